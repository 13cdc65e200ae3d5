// Package conversation holds the per-conversation message timeline.
//
// The store merges paginated history with live events arriving over the
// realtime connection into one de-duplicated, chronologically consistent
// view, without re-fetching or discarding data already obtained.
//
// Two rules keep the merge conflict-free:
//   - History pages are write-once. Pages are fetched against a snapshot
//     timestamp captured once per session load, so refetching a page is
//     guaranteed to return the same content; anything else is a provider
//     contract violation and is rejected.
//   - Live messages are strictly append-only and de-duplicated by message id
//     against everything already held.
package conversation
