// Package auth is the authentication and authorization core of the retail
// back office: credential login, short lived access tokens paired with
// rotating refresh tokens, brute force lockout and role based permissions.
//
// Login:
//   - Auther.Authenticate resolves a username or email, checks the bcrypt
//     hash through AccountLockGuard and issues a TokenPair. Unknown users,
//     wrong passwords and malformed input are indistinguishable to callers.
//   - AccountLockGuard locks an account for LockDuration after
//     MaxLoginAttempts consecutive failures. Counter updates are compare and
//     set against a login version so concurrent failures are never lost.
//
// Tokens:
//   - TokenIssuer signs access and refresh JWTs with separate HMAC keyrings.
//     A token of one kind never validates as the other.
//   - TokenStore persists refresh tokens, rotates them on use and treats a
//     second presentation of a rotated token as theft: every token of the
//     user is revoked.
//
// Requests:
//   - AuthenticationGate extracts the bearer token, validates it and reloads
//     the user so deactivation and role changes apply immediately.
//   - AuthorizationPolicy answers permission checks from a PermissionMatrix
//     and backs the RequirePermission and RequireAdmin middleware.
//
// Activity sinks:
//   - ActivitySink receives login, lockout, token and user administration
//     events. Sinks run best effort; errors are logged and never fail the
//     operation that produced the event.
package auth
