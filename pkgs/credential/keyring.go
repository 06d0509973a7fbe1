// Package credential stores account passwords in the OS keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "zmail"

// ErrNotFound is returned when no password is stored for an account.
var ErrNotFound = errors.New("no password stored")

// open is replaced in tests.
var open = openKeyring

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/zmail/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("zmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves the password of an account (its email address).
func Get(account string) (string, error) {
	ring, err := open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(account)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w for %s", ErrNotFound, account)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", account, err)
	}
	return string(item.Data), nil
}

// Set stores the password of an account.
func Set(account, password string) error {
	ring, err := open()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   account,
		Data:  []byte(password),
		Label: "zmail " + account,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", account, err)
	}
	return nil
}

// Delete removes the password of an account.
func Delete(account string) error {
	ring, err := open()
	if err != nil {
		return err
	}

	if err := ring.Remove(account); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("%w for %s", ErrNotFound, account)
		}
		return fmt.Errorf("deleting credential %q: %w", account, err)
	}
	return nil
}

// Password returns configured when set, otherwise the keyring entry.
func Password(account, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return Get(account)
}
