// Package identity derives the stable user key the message store partitions
// by. The key groups connections likely belonging to the same end user (same
// network origin, same client-chosen ID) so reconnects land on the same
// history partition. It is a best-effort grouping, not an authentication
// primitive.
package identity

import "net"

// UnknownAddress is the sentinel origin used when a connection's remote
// address is absent or unparseable. Resolution never fails.
const UnknownAddress = "unknown"

// Resolve maps a (clientID, remoteAddr) pair to the store partition key.
// It is pure and deterministic: the same inputs always produce the same
// identity, and different origin addresses sharing a client ID produce
// different identities. remoteAddr may be a bare host or a host:port pair.
func Resolve(clientID, remoteAddr string) string {
	return OriginHost(remoteAddr) + "_" + clientID
}

// OriginHost extracts the host portion of a remote address, falling back to
// UnknownAddress when the address is empty.
func OriginHost(remoteAddr string) string {
	if remoteAddr == "" {
		return UnknownAddress
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
		return host
	}
	return remoteAddr
}
