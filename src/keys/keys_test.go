package keys

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/lokegud/Paradelala/types"
)

func TestEnsureKeys_GeneratesSSHIdentity(t *testing.T) {
	p := NewProvisioner(t.TempDir())

	km, err := p.EnsureKeys(PurposeReverseTunnel)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !strings.HasPrefix(km.PublicKey, "ssh-ed25519 ") {
		t.Fatalf("public key is not an ed25519 authorized_keys line: %q", km.PublicKey)
	}
	if _, err := p.Signer(); err != nil {
		t.Fatalf("generated private key does not parse: %v", err)
	}
}

func TestEnsureKeys_GeneratesWireGuardKeypair(t *testing.T) {
	p := NewProvisioner(t.TempDir())

	km, err := p.EnsureKeys(PurposeMeshVPN)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := wgtypes.ParseKey(km.PublicKey); err != nil {
		t.Fatalf("public key is not a valid WireGuard key: %v", err)
	}

	priv, err := p.WireGuardKey()
	if err != nil {
		t.Fatalf("load private key: %v", err)
	}
	if priv.PublicKey().String() != km.PublicKey {
		t.Fatalf("public key does not match private half")
	}
}

func TestEnsureKeys_Idempotent(t *testing.T) {
	p := NewProvisioner(t.TempDir())

	for _, purpose := range []string{PurposeReverseTunnel, PurposeMeshVPN} {
		first, err := p.EnsureKeys(purpose)
		if err != nil {
			t.Fatalf("%s first ensure: %v", purpose, err)
		}
		second, err := p.EnsureKeys(purpose)
		if err != nil {
			t.Fatalf("%s second ensure: %v", purpose, err)
		}
		if first.PublicKey != second.PublicKey {
			t.Fatalf("%s: public key changed across EnsureKeys calls", purpose)
		}
		if first.PrivateKeyPath != second.PrivateKeyPath {
			t.Fatalf("%s: private key path changed across EnsureKeys calls", purpose)
		}
	}
}

func TestRotate_ReplacesKeypair(t *testing.T) {
	p := NewProvisioner(t.TempDir())

	first, err := p.EnsureKeys(PurposeMeshVPN)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	rotated, err := p.Rotate(PurposeMeshVPN)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if first.PublicKey == rotated.PublicKey {
		t.Fatal("rotate returned the old public key")
	}
}

func TestEnsureKeys_Permissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	p := NewProvisioner(dir)

	if _, err := p.EnsureKeys(PurposeReverseTunnel); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("key dir mode = %o, want 0700", perm)
	}

	info, err = os.Stat(filepath.Join(dir, PurposeReverseTunnel+".key"))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("private key mode = %o, want 0600", perm)
	}
}

func TestEnsureKeys_UnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	parent := t.TempDir()
	if err := os.Chmod(parent, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(parent, 0o700) })

	p := NewProvisioner(filepath.Join(parent, "keys"))
	_, err := p.EnsureKeys(PurposeReverseTunnel)
	var kerr *types.KeyGenerationError
	if !errors.As(err, &kerr) {
		t.Fatalf("expected KeyGenerationError, got %v", err)
	}
}

func TestEnsureKeys_UnknownPurpose(t *testing.T) {
	p := NewProvisioner(t.TempDir())
	if _, err := p.EnsureKeys("telepathy"); err == nil {
		t.Fatal("expected error for unknown purpose")
	}
}
