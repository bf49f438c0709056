// Package metrics abstracts emission of application metrics; statsd is the only supported output
// engine.
//
// Emissions are structured around hooks: each hook interface names lifecycle points that the
// serving routines invoke as a query moves through the proxy: connection events, session
// generation changes, and end-to-end query outcomes. Hook implementations ship the metrics to a
// backend engine, keeping that responsibility decoupled from the serving logic. Noop
// implementations of every hook exist so that metrics reporting can be disabled wholesale through
// configuration.
package metrics
