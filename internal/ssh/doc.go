// ssh wraps 'x/crypto/ssh' with the pieces a provisioner hands to its caller:
//   - key material sources (generated ED25519 pairs, or OpenSSH files on disk)
//   - an 'Authenticator' which produces client configs for a login user
//   - client construction and single-command execution
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
