package ir

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Signer signs entry hashes on behalf of a scope.
type Signer interface {
	Sign(msg []byte) (string, error)
	PublicKey() string
}

// Ed25519Signer signs with an in-memory ed25519 key. Signatures and public
// keys are hex encoded.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(msg []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, msg)), nil
}

// PublicKey implements Signer.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// VerifySignature checks a hex signature against a hex public key.
func VerifySignature(pubHex, sigHex string, msg []byte) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}

// DeriveSigner derives a deterministic per-scope key from a node seed with
// HKDF-SHA256, using the scope name as info.
func DeriveSigner(seed []byte, scope Scope) (*Ed25519Signer, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("derive signer: seed too short (%d bytes)", len(seed))
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	r := hkdf.New(sha256.New, seed, []byte("causalog-scope-kdf"), []byte(scope))
	scopeSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, scopeSeed); err != nil {
		return nil, fmt.Errorf("derive signer: %w", err)
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(scopeSeed)), nil
}

// KeyRing maps scopes to their signers and expected public keys. A scope
// with a registered key is actor-owned: its entries must carry that key.
type KeyRing struct {
	mu      sync.RWMutex
	seed    []byte
	signers map[Scope]Signer
	keys    map[Scope]string
}

// NewKeyRing returns a key ring. With a non-empty seed, Signer derives keys
// for scopes on first use.
func NewKeyRing(seed []byte) *KeyRing {
	return &KeyRing{
		seed:    seed,
		signers: make(map[Scope]Signer),
		keys:    make(map[Scope]string),
	}
}

// Register pins scope to signer.
func (k *KeyRing) Register(scope Scope, signer Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[scope] = signer
	k.keys[scope] = signer.PublicKey()
}

// Trust pins scope to a public key without a private half (remote scopes).
func (k *KeyRing) Trust(scope Scope, pubHex string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[scope] = pubHex
}

// Signer returns the signer for scope, deriving one from the seed if needed.
// It returns nil when the scope is unsigned.
func (k *KeyRing) Signer(scope Scope) (Signer, error) {
	if k == nil {
		return nil, nil
	}
	k.mu.RLock()
	s, ok := k.signers[scope]
	k.mu.RUnlock()
	if ok || len(k.seed) == 0 {
		return s, nil
	}
	derived, err := DeriveSigner(k.seed, scope)
	if err != nil {
		return nil, err
	}
	k.Register(scope, derived)
	return derived, nil
}

// Check returns an IntegrityError when scope has a pinned key and e was not
// signed with it. Signature validity itself is checked by Verify.
func (k *KeyRing) Check(e LogEntry) error {
	if k == nil {
		return nil
	}
	k.mu.RLock()
	want, ok := k.keys[e.Scope]
	k.mu.RUnlock()
	if !ok || want == e.Signer {
		return nil
	}
	return &Error{Kind: KindIntegrity, Message: "entry not signed by scope owner", Scope: e.Scope, EntryID: e.ID}
}
