// Package framing converts DNS messages between the two wire encodings they appear in: the
// length-prefixed framing of stream transports (TCP, TLS) and the bare datagrams of UDP. It is
// deliberately ignorant of DNS semantics beyond the fixed-offset transaction ID field.
package framing
