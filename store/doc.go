// Package store provides session-scoped persistence for the current CSRF token record.
//
// A record is persisted as four string values written and cleared as one group:
// csrf_token, csrf_token_expiry (epoch milliseconds), csrf_header_name and
// csrf_cookie_name. A stored group missing any of them is reported as [ErrNotFound].
//
// # Architecture boundaries
//
// This package owns the [Store] contract, the [Record] model and its encoding. It does NOT
// decide when a record is stale enough to refresh, talk to the token endpoint, or log:
// those responsibilities belong to the csrfkit Manager.
//
// # What this package must NOT do
//
//   - Import csrfkit (no upward imports).
//   - Expire or rewrite records on read; expiry eviction is the caller's decision.
package store
