package keychain_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goiscsi/iscsid/internal/keychain"
)

const nodeIQN = "iqn.2015-01.com.example:tgt0"

func openTempKeychain(t *testing.T) (*keychain.FileKeychain, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chap.yaml")
	return keychain.Open(path), path
}

func TestSecretLifecycle(t *testing.T) {
	t.Parallel()

	kc, _ := openTempKeychain(t)

	if _, err := kc.CHAPSecretForNode(nodeIQN); !errors.Is(err, keychain.ErrSecretNotFound) {
		t.Errorf("missing secret: err = %v, want ErrSecretNotFound", err)
	}

	if err := kc.SetCHAPSecretForNode(nodeIQN, "pw12345678"); err != nil {
		t.Fatalf("SetCHAPSecretForNode: %v", err)
	}
	got, err := kc.CHAPSecretForNode(nodeIQN)
	if err != nil {
		t.Fatalf("CHAPSecretForNode: %v", err)
	}
	if got != "pw12345678" {
		t.Errorf("secret = %q", got)
	}

	// Replace.
	if err := kc.SetCHAPSecretForNode(nodeIQN, "newsecret"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got, _ := kc.CHAPSecretForNode(nodeIQN); got != "newsecret" {
		t.Errorf("after replace secret = %q", got)
	}

	if err := kc.RemoveCHAPSecretForNode(nodeIQN); err != nil {
		t.Fatalf("RemoveCHAPSecretForNode: %v", err)
	}
	if _, err := kc.CHAPSecretForNode(nodeIQN); !errors.Is(err, keychain.ErrSecretNotFound) {
		t.Errorf("after remove: err = %v, want ErrSecretNotFound", err)
	}

	// Removing a missing secret is not an error.
	if err := kc.RemoveCHAPSecretForNode(nodeIQN); err != nil {
		t.Errorf("remove missing: %v", err)
	}
}

func TestRenameNode(t *testing.T) {
	t.Parallel()

	kc, _ := openTempKeychain(t)
	if err := kc.SetCHAPSecretForNode("iqn.old", "secret"); err != nil {
		t.Fatalf("SetCHAPSecretForNode: %v", err)
	}

	if err := kc.RenameNode("iqn.old", "iqn.new"); err != nil {
		t.Fatalf("RenameNode: %v", err)
	}
	if _, err := kc.CHAPSecretForNode("iqn.old"); !errors.Is(err, keychain.ErrSecretNotFound) {
		t.Error("old node still has a secret")
	}
	if got, _ := kc.CHAPSecretForNode("iqn.new"); got != "secret" {
		t.Errorf("new node secret = %q", got)
	}

	if err := kc.RenameNode("iqn.gone", "iqn.x"); !errors.Is(err, keychain.ErrSecretNotFound) {
		t.Errorf("rename missing: err = %v", err)
	}
}

func TestKeychainFileMode(t *testing.T) {
	t.Parallel()

	kc, path := openTempKeychain(t)
	if err := kc.SetCHAPSecretForNode(nodeIQN, "secret"); err != nil {
		t.Fatalf("SetCHAPSecretForNode: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("keychain file mode = %o, want 600", perm)
	}
}
