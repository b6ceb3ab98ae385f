// Package secrets stores the Candor bearer token. On macOS the token lives
// in the system Keychain; elsewhere it falls back to a 0600 file in the
// Candor data directory. Token issuance and refresh happen outside this
// program; we only carry the credential.
package secrets

import "errors"

// ServiceName identifies Candor credentials in the system keychain.
const ServiceName = "Candor"

// AccountBearerToken is the account name for the backend bearer token.
const AccountBearerToken = "bearer-token"

// ErrNotFound is returned when a credential is not in the store.
var ErrNotFound = errors.New("credential not found")

// Store is a platform credential store. Implementations are safe for
// concurrent use.
type Store interface {
	// Get retrieves the credential for service/account, or ErrNotFound.
	Get(service, account string) (string, error)

	// Set stores or replaces the credential for service/account.
	Set(service, account, value string) error

	// Delete removes the credential, returning ErrNotFound if absent.
	Delete(service, account string) error
}

// store is set by the platform-specific init().
var store Store

// Default returns the credential store for the current platform.
func Default() Store {
	return store
}

// GetBearerToken returns the stored backend bearer token.
func GetBearerToken() (string, error) {
	return Default().Get(ServiceName, AccountBearerToken)
}

// SetBearerToken stores the backend bearer token.
func SetBearerToken(token string) error {
	return Default().Set(ServiceName, AccountBearerToken, token)
}

// DeleteBearerToken removes the stored backend bearer token.
func DeleteBearerToken() error {
	return Default().Delete(ServiceName, AccountBearerToken)
}
