// Package auth provides authentication for the fleet gateway's operator API.
//
// # Authentication Methods
//
// Operators and API clients authenticate with JWT tokens signed with HS256
// using the configured jwt_secret. Every token carries two claims the
// gateway relies on:
//
//   - "sub": the operator or client identity, for audit logging
//   - "org": the tenant id the request is scoped to
//
// The HTTP middleware validates the token and injects the tenant into the
// request context; every store operation downstream of the middleware is
// scoped to that tenant. A request can never name a tenant other than the
// one in its token.
//
// Agents do not use JWTs. They authenticate their command-channel
// connections with the per-agent credential issued at registration, which
// the registry verifies against its stored hash.
//
// # Development Mode
//
// With no jwt_secret configured the API skips token validation and scopes
// every request to the default tenant. This mode is for local development
// only.
package auth
