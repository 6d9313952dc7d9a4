/*
src/keys/keys.go

Key material provisioning for both connection methods. EnsureKeys is
idempotent: existing material is loaded and returned unchanged, fresh
material is generated only when the expected files are absent. The private
half never leaves the key directory (0700, files 0600); only the public half
is surfaced so the operator can install it on the peer, which is an
out-of-band manual step the bridge reports but does not perform.
*/
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/lokegud/Paradelala/types"
)

// Key purposes. Each purpose owns one keypair in the key directory.
const (
	PurposeReverseTunnel = "reverse_tunnel"
	PurposeMeshVPN       = "mesh_vpn"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Provisioner generates and loads keypairs under a single key directory.
type Provisioner struct {
	dir string
}

// NewProvisioner returns a provisioner rooted at dir (normally
// <state-dir>/keys).
func NewProvisioner(dir string) *Provisioner {
	return &Provisioner{dir: dir}
}

// Dir returns the key directory.
func (p *Provisioner) Dir() string { return p.dir }

func (p *Provisioner) privatePath(purpose string) string {
	return filepath.Join(p.dir, purpose+".key")
}

func (p *Provisioner) publicPath(purpose string) string {
	return filepath.Join(p.dir, purpose+".pub")
}

// EnsureKeys loads the keypair for purpose if it already exists, otherwise
// generates one with method-appropriate parameters: an ed25519 SSH identity
// for the reverse tunnel, a Curve25519 WireGuard keypair for the mesh VPN.
func (p *Provisioner) EnsureKeys(purpose string) (*types.KeyMaterial, error) {
	if purpose != PurposeReverseTunnel && purpose != PurposeMeshVPN {
		return nil, fmt.Errorf("unknown key purpose %q", purpose)
	}

	if km, err := p.load(purpose); err == nil {
		return km, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, &types.KeyGenerationError{Dir: p.dir, Err: err}
	}

	if err := os.MkdirAll(p.dir, dirMode); err != nil {
		return nil, &types.KeyGenerationError{Dir: p.dir, Err: err}
	}

	var privPEM, pub []byte
	var err error
	switch purpose {
	case PurposeReverseTunnel:
		privPEM, pub, err = generateSSHKeypair()
	case PurposeMeshVPN:
		privPEM, pub, err = generateWireGuardKeypair()
	}
	if err != nil {
		return nil, &types.KeyGenerationError{Dir: p.dir, Err: err}
	}

	if err := writeFileAtomic(p.privatePath(purpose), privPEM, fileMode); err != nil {
		return nil, &types.KeyGenerationError{Dir: p.dir, Err: err}
	}
	if err := writeFileAtomic(p.publicPath(purpose), pub, fileMode); err != nil {
		return nil, &types.KeyGenerationError{Dir: p.dir, Err: err}
	}

	km := &types.KeyMaterial{
		Purpose:        purpose,
		PrivateKeyPath: p.privatePath(purpose),
		PublicKey:      strings.TrimSpace(string(pub)),
		CreatedAt:      time.Now(),
	}

	// The peer cannot accept us until the public half is installed on it
	// (authorized_keys for the tunnel, the peer table for the mesh). That
	// system is outside our control, so report the step instead of doing it.
	log.Info().
		Str("purpose", purpose).
		Str("public_key", km.PublicKey).
		Msg("Generated new keypair; install the public key on the peer before starting the bridge")

	return km, nil
}

// Rotate discards existing material for purpose and generates a fresh pair.
func (p *Provisioner) Rotate(purpose string) (*types.KeyMaterial, error) {
	for _, path := range []string{p.privatePath(purpose), p.publicPath(purpose)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, &types.KeyGenerationError{Dir: p.dir, Err: err}
		}
	}
	log.Info().Str("purpose", purpose).Msg("Rotating keypair")
	return p.EnsureKeys(purpose)
}

// Signer loads the reverse-tunnel private key as an SSH signer.
func (p *Provisioner) Signer() (ssh.Signer, error) {
	data, err := os.ReadFile(p.privatePath(PurposeReverseTunnel))
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH identity: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH identity: %w", err)
	}
	return signer, nil
}

// WireGuardKey loads the mesh-VPN private key.
func (p *Provisioner) WireGuardKey() (wgtypes.Key, error) {
	data, err := os.ReadFile(p.privatePath(PurposeMeshVPN))
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("failed to read WireGuard key: %w", err)
	}
	key, err := wgtypes.ParseKey(strings.TrimSpace(string(data)))
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("failed to parse WireGuard key: %w", err)
	}
	return key, nil
}

func (p *Provisioner) load(purpose string) (*types.KeyMaterial, error) {
	pub, err := os.ReadFile(p.publicPath(purpose))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p.privatePath(purpose))
	if err != nil {
		return nil, err
	}

	// Validate the private half parses so a corrupt file surfaces here
	// rather than at connect time.
	switch purpose {
	case PurposeReverseTunnel:
		if _, err := p.Signer(); err != nil {
			return nil, err
		}
	case PurposeMeshVPN:
		if _, err := p.WireGuardKey(); err != nil {
			return nil, err
		}
	}

	return &types.KeyMaterial{
		Purpose:        purpose,
		PrivateKeyPath: p.privatePath(purpose),
		PublicKey:      strings.TrimSpace(string(pub)),
		CreatedAt:      info.ModTime(),
	}, nil
}

func generateSSHKeypair() (privPEM, pub []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	block, err := ssh.MarshalPrivateKey(privKey, "bridge reverse tunnel identity")
	if err != nil {
		return nil, nil, err
	}
	sshPub, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(block), ssh.MarshalAuthorizedKey(sshPub), nil
}

func generateWireGuardKeypair() (priv, pub []byte, err error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return []byte(key.String() + "\n"), []byte(key.PublicKey().String() + "\n"), nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
