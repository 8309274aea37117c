// Package revcache is the revisioned entity cache: one snapshot per key with
// the remote revision it was fetched at, the fetch time and its size.
//
// Entries are framed by internal/wire and written to a provider.Provider under
//
//	entry:<ns>:<key>
//
// A metadata index (key -> fetchedAt, size, revision) lives under
// index:<ns>:entries so size accounting and oldest-first eviction never need
// to enumerate the provider. The index is loaded lazily on first use.
//
// All writes (Put, Touch, RemoveOldest, Prune, Clear) are serialized; the
// cache assumes a single writer process.
package revcache
