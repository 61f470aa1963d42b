// Package csrfkit keeps a client's CSRF token valid for the lifetime of a login session and
// attaches it to state-changing requests.
//
// A [Manager] obtains the token from the server's fetch endpoint, holds it in memory,
// persists it to a [store.Store] so it survives restarts, refreshes it before it expires,
// and clears it on [Manager.Logout]. Manager methods are safe to call from many goroutines
// after [Builder.Build]; at most one fetch or refresh is in flight at a time and every
// concurrent caller shares its result.
//
// # Architecture boundaries
//
// csrfkit is the public surface: [Manager], [Builder], [Config], [TokenRecord], and the
// error values. HTTP calls to the token endpoints live in internal/endpoint. The issuer
// package is a reference server and is never imported here; transport builds on Manager.
//
// # What this package must NOT do
//
//   - Attach the session credential. The HTTP client passed to the builder carries it.
//   - Fail a request because no token is available. Attachment is fail-open: the request
//     goes out without a token and the server decides.
//   - Log or audit token values.
//   - Perform I/O in Build. Call [Manager.LoadFromStore] to restore a persisted token.
package csrfkit
