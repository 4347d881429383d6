package secret

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const keychainService = "designer-sync"

// itemNotFound is the exit status security(1) uses for a missing item.
const itemNotFound = 44

var errItemNotFound = errors.New("keychain item not found")

// KeychainStore keeps each secret as a generic password in the macOS login
// keychain, with the key as the account and "designer-sync" as the service.
type KeychainStore struct {
	service string
	run     func(args ...string) ([]byte, error)
}

func NewKeychainStore() *KeychainStore {
	return &KeychainStore{service: keychainService, run: runSecurity}
}

func runSecurity(args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.Command("security", args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err == nil {
		return out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == itemNotFound {
		return nil, errItemNotFound
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return nil, fmt.Errorf("security %s: %s: %w", args[0], msg, err)
	}
	return nil, fmt.Errorf("security %s: %w", args[0], err)
}

func (k *KeychainStore) item(verb, key string, extra ...string) []string {
	return append([]string{verb, "-a", key, "-s", k.service}, extra...)
}

// Set stores value, replacing an existing item.
func (k *KeychainStore) Set(key string, value []byte) error {
	if _, err := k.run(k.item("add-generic-password", key, "-U", "-w", string(value))...); err != nil {
		return fmt.Errorf("keychain set %s: %w", key, err)
	}
	return nil
}

// Get returns nil when the item does not exist.
func (k *KeychainStore) Get(key string) ([]byte, error) {
	out, err := k.run(k.item("find-generic-password", key, "-w")...)
	if errors.Is(err, errItemNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keychain get %s: %w", key, err)
	}
	return bytes.TrimRight(out, "\r\n"), nil
}

// Delete is a no-op for a missing item.
func (k *KeychainStore) Delete(key string) error {
	_, err := k.run(k.item("delete-generic-password", key)...)
	if err != nil && !errors.Is(err, errItemNotFound) {
		return fmt.Errorf("keychain delete %s: %w", key, err)
	}
	return nil
}
