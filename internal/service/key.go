package service

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/codec"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// originalKeyDomain separates original-key digests from every other hash
// in the system. The value is the ASCII domain name, zero-padded.
var originalKeyDomain = [32]byte{
	'w', 's', 'i', 'p', 's', 'e', 'u', 'd', 'o', '.', 'o', 'r', 'i', 'g', 'i', 'n',
	'a', 'l', '-', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Keyer derives the uniqueness key of an original identity.
type Keyer struct {
	// Mode selects the identity fields that take part in the key.
	Mode models.KeyMode
	// Secret, when set, is stretched into the hash key so stored keys
	// cannot be recomputed without it.
	Secret []byte
}

// Key returns the hex digest identifying original.
func (k Keyer) Key(original models.SlideIdentity) (string, error) {
	var material any
	switch k.Mode {
	case models.KeyByCaseID, "":
		if original.ID == "" {
			return "", fmt.Errorf("identity has no id to key by")
		}
		material = []string{original.ID}
	case models.KeyByTuple:
		material = original
	default:
		return "", fmt.Errorf("unknown key mode %q", k.Mode)
	}
	data, err := codec.Marshal(material)
	if err != nil {
		return "", fmt.Errorf("encode key material: %w", err)
	}

	key := originalKeyDomain
	if len(k.Secret) > 0 {
		blake3.DeriveKey("wsipseudo 2024 original-key", append(key[:len(key):len(key)], k.Secret...), key[:])
	}
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
