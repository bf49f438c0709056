// Package correlation tracks in-flight queries multiplexed over the shared upstream connection.
// The transaction ID a client chooses is only unique per client; the table substitutes its own
// key space so that concurrent clients reusing an ID are never conflated.
package correlation
