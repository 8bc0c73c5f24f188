package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sort"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kenneth/field-keyguard/internal/keyerr"
)

const (
	// AlgorithmAES256GCM is the default AES-256-GCM algorithm.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmChaCha20Poly1305 is the ChaCha20-Poly1305 algorithm, for
	// devices without AES instructions.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	// Both suites take the 32-byte hybrid session key and share the wire
	// layout nonce || ciphertext || tag.
	sessionKeySize = 32
	nonceSize      = 12
	tagSize        = 16
)

// AEADCipher is a cipher.AEAD that knows which algorithm it implements.
type AEADCipher interface {
	cipher.AEAD
	Algorithm() string
}

// namedAEAD tags a cipher.AEAD with its algorithm name.
type namedAEAD struct {
	cipher.AEAD
	name string
}

func (c namedAEAD) Algorithm() string {
	return c.name
}

// aeadSuites maps algorithm names to their constructors.
var aeadSuites = map[string]func(key []byte) (cipher.AEAD, error){
	AlgorithmAES256GCM: func(key []byte) (cipher.AEAD, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	},
	AlgorithmChaCha20Poly1305: chacha20poly1305.New,
}

// createAEADCipher keys the named suite with a session key.
func createAEADCipher(algorithm string, key []byte) (AEADCipher, error) {
	newAEAD, ok := aeadSuites[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", keyerr.ErrInvalidParameters, algorithm)
	}
	if len(key) != sessionKeySize {
		return nil, fmt.Errorf("%w: %s session key must be %d bytes, got %d",
			keyerr.ErrInvalidParameters, algorithm, sessionKeySize, len(key))
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", keyerr.ErrEncryptionFailure, algorithm, err)
	}
	return namedAEAD{AEAD: aead, name: algorithm}, nil
}

// IsAlgorithmSupported reports whether algorithm names a known AEAD.
func IsAlgorithmSupported(algorithm string) bool {
	_, ok := aeadSuites[algorithm]
	return ok
}

// SupportedAlgorithms lists the AEAD names keys may be created with.
func SupportedAlgorithms() []string {
	names := make([]string, 0, len(aeadSuites))
	for name := range aeadSuites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
