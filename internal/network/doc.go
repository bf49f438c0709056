// Package network contains abstractions for communicating with other machines over the network.
// It abstracts away the API differences between TCP and UDP client sockets, and owns the single
// multiplexed DNS-over-TLS session shared by every in-flight query.
package network
