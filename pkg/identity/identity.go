// Package identity loads and generates the node's Ed25519 keypair
// (spec.md §6 "keypair (node identity, required)"). A peer's
// NetworkAddress is its raw Ed25519 public key: both are 32 bytes, so
// no separate hashing step is needed to fit one into the other.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/swarmnode/pkg/types"
)

const pemBlockType = "SWARMNODE PRIVATE KEY"

// Identity is this node's Ed25519 keypair together with the PeerID it
// derives (spec.md §3 "NetworkAddress... derivable from a peer
// identity").
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	PeerID     types.PeerID
}

func fromPrivateKey(priv ed25519.PrivateKey) Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		PeerID:     types.PeerID(types.AddressFromBytes(pub)),
	}
}

// Generate creates a fresh random identity.
func Generate() (Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: failed to generate keypair: %w", err)
	}
	return fromPrivateKey(priv), nil
}

// Save writes the identity's private key to path as a PEM file, with
// owner-only permissions since it is the node's long-term secret.
func Save(path string, id Identity) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("identity: failed to create keypair directory: %w", err)
		}
	}

	block := &pem.Block{Type: pemBlockType, Bytes: id.PrivateKey}
	data := pem.EncodeToMemory(block)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("identity: failed to write keypair: %w", err)
	}
	return nil
}

// Load reads a PEM-encoded Ed25519 private key from path.
func Load(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: failed to read keypair: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return Identity{}, fmt.Errorf("identity: %s does not contain a valid keypair", path)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return Identity{}, fmt.Errorf("identity: unexpected private key size %d", len(block.Bytes))
	}

	return fromPrivateKey(ed25519.PrivateKey(block.Bytes)), nil
}

// LoadOrGenerate loads the identity at path, generating and persisting
// a new one if the file does not exist.
func LoadOrGenerate(path string) (Identity, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		id, err := Generate()
		if err != nil {
			return Identity{}, err
		}
		if err := Save(path, id); err != nil {
			return Identity{}, err
		}
		return id, nil
	}
	return Load(path)
}
