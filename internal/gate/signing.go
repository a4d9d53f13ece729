package gate

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidSignature reports that constraint signature verification
	// failed.
	ErrInvalidSignature = errors.New("gate: invalid constraint signature")
	// ErrMissingSignature reports unsigned constraints when verification
	// is required.
	ErrMissingSignature = errors.New("gate: missing constraint signature")
	// ErrMissingPublicKey reports an absent or malformed owner public key.
	ErrMissingPublicKey = errors.New("gate: missing owner public key")
)

// Constraints is the signable policy surface: the pattern list and size
// ceiling the gate enforces. The owner signs it so the orchestrator cannot
// quietly relax its own rules.
type Constraints struct {
	BlockedPatterns []string
	MaxSourceBytes  int
}

// GenerateOwnerKeyPair generates a new Ed25519 key pair for signing
// constraints.
func GenerateOwnerKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SerializeConstraints produces a deterministic JSON representation
// suitable for signing. The pattern list is sorted.
func SerializeConstraints(c Constraints) ([]byte, error) {
	m := map[string]interface{}{
		"blocked_patterns": sortedStrings(c.BlockedPatterns),
		"max_source_bytes": c.MaxSourceBytes,
	}
	// encoding/json sorts string map keys, which keeps output reproducible.
	return json.Marshal(m)
}

// SignConstraints signs the constraints with the owner's private key.
func SignConstraints(c Constraints, privateKey ed25519.PrivateKey) ([]byte, error) {
	msg, err := SerializeConstraints(c)
	if err != nil {
		return nil, fmt.Errorf("serialize constraints for signing: %w", err)
	}
	return ed25519.Sign(privateKey, msg), nil
}

// VerifyConstraints verifies the signature against the constraints and
// public key.
func VerifyConstraints(c Constraints, signature []byte, publicKey ed25519.PublicKey) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrMissingPublicKey
	}
	if len(signature) == 0 {
		return false, ErrMissingSignature
	}
	msg, err := SerializeConstraints(c)
	if err != nil {
		return false, fmt.Errorf("serialize constraints for verification: %w", err)
	}
	return ed25519.Verify(publicKey, msg, signature), nil
}

// DecodeKey parses a hex-encoded Ed25519 public key.
func DecodeKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMissingPublicKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DecodeSignature parses a hex-encoded signature.
func DecodeSignature(hexSig string) ([]byte, error) {
	raw, err := hex.DecodeString(hexSig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingSignature, err)
	}
	return raw, nil
}

func sortedStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}
