// Package httpapi exposes the reference server's REST surface: one-time
// realtime ticket issuance and snapshot-pinned conversation history pages.
//
// Both endpoints authenticate with a Bearer access token resolved through an
// AccountResolver; the realtime handshake itself never sees that token.
package httpapi
