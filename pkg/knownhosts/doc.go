// Package knownhosts remembers which host keys a client has accepted.
//
// A [HostCache] records the SHA256 fingerprint of every host key a client trusts, indexed by host
// and key type. Its [HostCache.HostKeyCallback] plugs into the key exchange driver: a host that
// presents a different key of a type it has used before is rejected with
// protocol.ErrHostKeyMismatch, and hosts that have never been seen are either rejected or
// recorded on first use.
//
// The cache stores only fingerprints, but if a HostCache is exported using its
// [HostCache.Export] or [HostCache.ExportToFile] methods, access controls should be used to
// prevent third parties from tampering with the data.
package knownhosts
