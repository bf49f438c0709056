// Package protocol concerns itself primarily with DNS protocol-specific business logic. It ties
// the client-facing listeners to the single upstream session, correlating each client query with
// the answer that eventually arrives for it and enforcing the per-query timeout.
package protocol
