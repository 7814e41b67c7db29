// Package oauth provides shared OAuth 2.1 types and utilities used by the
// broker's OAuth2 manager when a remote MCP server requires authentication.
//
//   - Token: OAuth token representation with expiry checking
//   - Metadata: OAuth 2.0 Authorization Server Metadata (RFC 8414)
//   - ProtectedResourceMetadata: OAuth 2.0 Protected Resource Metadata (RFC 9728)
//   - AuthChallenge: parsed WWW-Authenticate header information
//   - PKCEChallenge: Proof Key for Code Exchange generation (RFC 7636)
//   - ClientRegistrationRequest/Response: Dynamic Client Registration (RFC 7591)
//   - Client: discovery, code exchange, and token refresh over HTTP
package oauth
