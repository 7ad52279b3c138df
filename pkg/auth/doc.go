// Package auth holds the credential primitives of the session store:
// argon2id password hashing, sealing of session blobs at rest, and the
// passphrase sources (environment, OS keychain, generated file) the sealer
// draws from.
package auth
