package crypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kenneth/field-keyguard/internal/keyerr"
)

// SealKeySize is the key size for Seal and Open.
const SealKeySize = chacha20poly1305.KeySize

// Seal encrypts plaintext with XChaCha20-Poly1305 under key, binding ad.
// The output is nonce||ciphertext||tag.
func (e *Engine) Seal(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, keyerr.E("seal", "", fmt.Errorf("%w: %v", keyerr.ErrEncryptionFailure, err))
	}

	nonce, err := e.randomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, ad), nil
}

// Open reverses Seal. Failures are reported as ErrIntegrityFailure.
func (e *Engine) Open(key, sealed, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, keyerr.E("open", "", keyerr.ErrIntegrityFailure)
	}

	ns := aead.NonceSize()
	if len(sealed) < ns+aead.Overhead() {
		return nil, keyerr.E("open", "", keyerr.ErrIntegrityFailure)
	}

	plaintext, err := aead.Open(nil, sealed[:ns], sealed[ns:], ad)
	if err != nil {
		return nil, keyerr.E("open", "", keyerr.ErrIntegrityFailure)
	}
	return plaintext, nil
}
