// Package auth resolves connection credentials into auth decisions.
//
// # Authentication Methods
//
// The resolver supports the methods a gateway operator can configure:
//
//   - Token: a shared gateway secret, compared in constant time.
//   - Password: a shared password, same comparison rules as token.
//   - JWT: HS256 tokens signed with the configured jwt_secret.
//   - Trusted proxy header: when the request arrives from a trusted
//     proxy address, the configured identity header is accepted as the
//     authenticated user.
//
// Resolution is order-independent: the resolver picks the method the
// presented credentials match, and rejects when none do. Failures are
// logged with the attempted method but never with credential material.
//
// The package also provides the address helpers used across the gateway
// (HostOnly, IsLoopback) so loopback policy decisions are made one way.
package auth
