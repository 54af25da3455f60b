// Package identity authenticates the services that call the ledger API.
//
// It provides:
//   - TokenIssuer: issues and verifies HS256 service tokens that carry
//     the calling actor's id and business role
//   - RequireServiceToken: Gin middleware enforcing a Bearer service token
//   - RequireRole: Gin middleware restricting a route to given roles
package identity
