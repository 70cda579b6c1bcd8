// Package keychain stores CHAP secrets keyed by node IQN. Secrets
// live in a mode-0600 YAML file owned by the daemon; the interface is
// narrow so a platform secret service can replace the file backend.
package keychain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrSecretNotFound indicates no secret is stored for the node.
var ErrSecretNotFound = errors.New("no CHAP secret for node")

// Keychain is the secret store surface the authenticator uses.
type Keychain interface {
	// CHAPSecretForNode returns the secret stored for a node IQN.
	CHAPSecretForNode(iqn string) (string, error)

	// SetCHAPSecretForNode stores or replaces a node's secret.
	SetCHAPSecretForNode(iqn, secret string) error

	// RemoveCHAPSecretForNode deletes a node's secret.
	RemoveCHAPSecretForNode(iqn string) error

	// RenameNode moves a secret to a new node IQN.
	RenameNode(oldIQN, newIQN string) error
}

// FileKeychain stores secrets in a YAML file.
type FileKeychain struct {
	mu   sync.Mutex
	path string
}

// verify interface compliance at compile time.
var _ Keychain = (*FileKeychain)(nil)

// Open returns a file-backed keychain at path. The file is created on
// first write.
func Open(path string) *FileKeychain {
	return &FileKeychain{path: path}
}

// load reads the secret map; a missing file is an empty keychain.
func (f *FileKeychain) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keychain: %w", err)
	}

	secrets := map[string]string{}
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parse keychain: %w", err)
	}

	return secrets, nil
}

// save writes the secret map with owner-only permissions.
func (f *FileKeychain) save(secrets map[string]string) error {
	data, err := yaml.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal keychain: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create keychain directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write keychain: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace keychain: %w", err)
	}

	return nil
}

// CHAPSecretForNode returns the secret stored for a node IQN.
func (f *FileKeychain) CHAPSecretForNode(iqn string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil {
		return "", err
	}
	secret, ok := secrets[iqn]
	if !ok {
		return "", fmt.Errorf("%s: %w", iqn, ErrSecretNotFound)
	}

	return secret, nil
}

// SetCHAPSecretForNode stores or replaces a node's secret.
func (f *FileKeychain) SetCHAPSecretForNode(iqn, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil {
		return err
	}
	secrets[iqn] = secret

	return f.save(secrets)
}

// RemoveCHAPSecretForNode deletes a node's secret. Removing a missing
// secret is not an error.
func (f *FileKeychain) RemoveCHAPSecretForNode(iqn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil {
		return err
	}
	delete(secrets, iqn)

	return f.save(secrets)
}

// RenameNode moves a secret to a new node IQN.
func (f *FileKeychain) RenameNode(oldIQN, newIQN string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil {
		return err
	}
	secret, ok := secrets[oldIQN]
	if !ok {
		return fmt.Errorf("%s: %w", oldIQN, ErrSecretNotFound)
	}
	delete(secrets, oldIQN)
	secrets[newIQN] = secret

	return f.save(secrets)
}
