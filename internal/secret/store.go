package secret

import "fmt"

// SecretStore provides a pluggable interface for credentials such as the
// remote API token or database passwords.
type SecretStore interface {
	// Set stores a secret value under the given key.
	Set(key string, value []byte) error

	// Get retrieves the secret value for the given key.
	// Returns empty slice and nil error if key does not exist.
	Get(key string) ([]byte, error)

	// Delete removes the secret for the given key.
	Delete(key string) error
}

// New returns the store named by kind: "keychain" or "env" (default).
func New(kind string) (SecretStore, error) {
	switch kind {
	case "", "env":
		return NewEnvStore(), nil
	case "keychain":
		return NewKeychainStore(), nil
	default:
		return nil, fmt.Errorf("unsupported secret store: %s", kind)
	}
}
