// Package auth provides bearer token authentication for the chat gateway.
//
// Tokens are HS256-signed JWTs with "sub" and "role" claims. Three roles
// exist: customer, agent, and admin. The same verifier protects the REST
// fallback API (Authorization header) and the WebSocket handshake, which
// additionally accepts an access_token query parameter because browser
// WebSocket clients cannot set request headers.
//
// Authenticated identities travel in the request context via WithIdentity /
// IdentityFrom. How agent and admin accounts are provisioned is outside this
// package; it only verifies what a trusted issuer signed.
package auth
