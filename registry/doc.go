// Package registry serves the active contract registry and drives its
// reload state machine:
//
//	Uninitialized -> Discovering -> Ready <-> Reloading
//	Discovering -> Failed
//
// Holder.Initialize runs the first discovery. Holder.Reload builds a
// replacement off to the side and swaps it in only when discovery succeeds
// and the fingerprint changed; a failed reload leaves the served registry
// untouched. Readers call Current and never observe a partial registry.
//
// Reloads are triggered by the caller (SIGHUP, the admin API) or by
// WatchDir and WatchKV, which debounce change bursts from a directory or a
// NATS KV bucket.
package registry
