// Package issuer is a reference server for the CSRF token endpoints.
//
// It issues HS256-signed tokens bound to the authenticated caller, answers the fetch and
// refresh endpoints with the JSON contract the csrfkit client expects, sets the companion
// httpOnly cookie, and offers [Issuer.Protect] to verify tokens on state-changing requests.
// It backs the dev server, the load test, and end-to-end tests.
//
// # What this package must NOT do
//
//   - Authenticate callers. A [SubjectFunc] supplied by the caller decides who is logged in.
//   - Import csrfkit. The server side stays independent of the client.
package issuer
