// Package endpoint is the HTTP client for the CSRF token-issuing endpoints.
//
// It performs exactly one logical request per call (transport-level retries are limited to
// connection failures), decodes the JSON payload and classifies failures into the kinds the
// public Manager maps onto its error sentinels. It holds no token state.
package endpoint
