package crypto

import (
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/kenneth/field-keyguard/internal/keyerr"
)

const hybridLabel = "field-keyguard/hybrid/v1"

// HybridParams carries the inputs of a hybrid encryption.
type HybridParams struct {
	// IV is used as the AEAD nonce when set; a random one is drawn otherwise.
	IV []byte
	// ClassicalKey is the 32-byte classical symmetric key.
	ClassicalKey []byte
	// ForwardMaterial is additional key material mixed into the session key.
	ForwardMaterial []byte
	// AAD is authenticated but not encrypted.
	AAD []byte
	// Algorithm overrides the engine's default AEAD.
	Algorithm string
}

// HybridEncrypt derives a session key as SHA3-256(label || classical ||
// forward) and seals plaintext under it. The result is iv||ciphertext||tag.
func (e *Engine) HybridEncrypt(plaintext []byte, p HybridParams) ([]byte, error) {
	if len(p.ClassicalKey) != ClassicalKeySize || len(p.ForwardMaterial) < minSaltSize {
		return nil, keyerr.E("hybrid encrypt", "", fmt.Errorf("%w: hybrid key sizes", keyerr.ErrInvalidParameters))
	}

	aead, err := e.hybridCipher(p)
	if err != nil {
		return nil, keyerr.E("hybrid encrypt", "", fmt.Errorf("%w: %v", keyerr.ErrEncryptionFailure, err))
	}

	iv := p.IV
	if len(iv) == 0 {
		if iv, err = e.randomBytes(aead.NonceSize()); err != nil {
			return nil, err
		}
	} else if len(iv) != aead.NonceSize() {
		return nil, keyerr.E("hybrid encrypt", "", fmt.Errorf("%w: iv must be %d bytes", keyerr.ErrInvalidParameters, aead.NonceSize()))
	}

	out := make([]byte, 0, len(iv)+len(plaintext)+aead.Overhead())
	out = append(out, iv...)
	return aead.Seal(out, iv, plaintext, p.AAD), nil
}

// HybridDecrypt reverses HybridEncrypt. Every failure, including malformed
// input, is reported as ErrIntegrityFailure.
func (e *Engine) HybridDecrypt(blob []byte, p HybridParams) ([]byte, error) {
	if len(p.ClassicalKey) != ClassicalKeySize || len(p.ForwardMaterial) < minSaltSize {
		return nil, keyerr.E("hybrid decrypt", "", keyerr.ErrIntegrityFailure)
	}

	aead, err := e.hybridCipher(p)
	if err != nil {
		return nil, keyerr.E("hybrid decrypt", "", keyerr.ErrIntegrityFailure)
	}

	ns := aead.NonceSize()
	if len(blob) < ns+aead.Overhead() {
		return nil, keyerr.E("hybrid decrypt", "", keyerr.ErrIntegrityFailure)
	}

	plaintext, err := aead.Open(nil, blob[:ns], blob[ns:], p.AAD)
	if err != nil {
		return nil, keyerr.E("hybrid decrypt", "", keyerr.ErrIntegrityFailure)
	}
	return plaintext, nil
}

func (e *Engine) hybridCipher(p HybridParams) (AEADCipher, error) {
	algorithm := p.Algorithm
	if algorithm == "" {
		algorithm = e.algorithm
	}

	session := sessionKeyFor(p.ClassicalKey, p.ForwardMaterial)
	defer SecureWipe(session)

	return createAEADCipher(algorithm, session)
}

func sessionKeyFor(classical, forward []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(hybridLabel))
	h.Write(classical)
	h.Write(forward)
	return h.Sum(nil)
}
