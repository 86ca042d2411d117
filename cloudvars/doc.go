// Package cloudvars is a client for a cloud key-value variable store
// reached over a single websocket endpoint. The remote protocol is
// narrow: requests carry no ids, acks correlate positionally, and the
// only way to read is to enumerate the whole key space one handshake at
// a time. The package wraps that into a safe surface: writes are
// FIFO-serialized over one shared socket with exactly one request in
// flight, reads walk a private socket each and are coalesced behind a
// short-TTL cache.
package cloudvars
