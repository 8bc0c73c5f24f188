package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keyerr"
	"github.com/kenneth/field-keyguard/internal/keystore"
)

// maxServeAttempts bounds the rotate-then-retry loop of a single request.
const maxServeAttempts = 4

// acquire resolves id to the key that serves a new encrypt or sign request.
// A DEPRECATED key is redirected to its family's current key, and a key
// that policy says must rotate is rotated before use. The returned
// material has already been counted against the key's usage limit and must
// be wiped by the caller.
func (m *Manager) acquire(op, id string, want func(keystore.Usage) bool) ([]byte, keystore.Metadata, error) {
	for attempt := 0; attempt < maxServeAttempts; attempt++ {
		var material []byte
		var meta keystore.Metadata
		var rotateID, reason string
		now := m.now()

		err := m.store.Update(func(tx *keystore.Tx) error {
			md, err := tx.Meta(id)
			if err != nil {
				return err
			}
			if !want(md.Usage) {
				return keyerr.E(op, id, fmt.Errorf("%w: key usage %s", keyerr.ErrInvalidParameters, md.Usage))
			}
			if md.Status == keystore.StatusDeprecated {
				cid, ok := tx.Current(md.Usage)
				if !ok {
					return keyerr.E(op, id, keyerr.ErrKeyInvalidState)
				}
				cur, err := tx.Meta(cid)
				if err != nil || cur.Family != md.Family {
					return keyerr.E(op, id, keyerr.ErrKeyInvalidState)
				}
				id, md = cid, cur
			}
			if md.Status != keystore.StatusActive {
				return keyerr.E(op, id, keyerr.ErrKeyInvalidState)
			}
			if r := m.rotationReason(md, now); r != "" {
				rotateID, reason = id, r
				return nil
			}

			material, meta, err = tx.Unseal(id)
			if err != nil {
				return err
			}
			if meta.UsageCount, err = tx.IncrementUsage(id); err != nil {
				crypto.SecureWipe(material)
				material = nil
				return err
			}
			return nil
		})
		if err != nil {
			return nil, keystore.Metadata{}, err
		}
		if rotateID == "" {
			m.dirty.Store(true)
			return material, meta, nil
		}

		newID, err := m.rotate(rotateID, reason, true)
		switch {
		case err == nil:
			id = newID
		case errors.Is(err, errRotationLost):
			// Another caller rotated first; the deprecated redirect finds it.
			id = rotateID
		default:
			return nil, keystore.Metadata{}, err
		}
	}
	return nil, keystore.Metadata{}, keyerr.E(op, id, fmt.Errorf("%w: rotation did not converge", keyerr.ErrKeyInvalidState))
}

// unseal returns the material of an ACTIVE or DEPRECATED key whose usage is
// accepted by want. A nil want accepts every usage. A key past its expiry is
// refused even before the maintenance sweep marks it EXPIRED.
func (m *Manager) unseal(op, id string, want func(keystore.Usage) bool) ([]byte, keystore.Metadata, error) {
	var material []byte
	var meta keystore.Metadata
	now := m.now()
	err := m.store.View(func(tx *keystore.Tx) error {
		md, err := tx.Meta(id)
		if err != nil {
			return err
		}
		if !md.Status.Decryptable() {
			return keyerr.E(op, id, keyerr.ErrKeyInvalidState)
		}
		if !now.Before(md.ExpiresAt) {
			return keyerr.E(op, id, fmt.Errorf("%w: key expired at %s", keyerr.ErrKeyInvalidState, md.ExpiresAt.Format(time.RFC3339)))
		}
		if want != nil && !want(md.Usage) {
			return keyerr.E(op, id, fmt.Errorf("%w: key usage %s", keyerr.ErrInvalidParameters, md.Usage))
		}
		material, meta, err = tx.Unseal(id)
		return err
	})
	if err != nil {
		return nil, keystore.Metadata{}, err
	}
	return material, meta, nil
}

// currentOrCreate returns the current key for u, generating one with the
// policy defaults when the usage has none.
func (m *Manager) currentOrCreate(u keystore.Usage) (string, error) {
	if id, ok := m.Current(u); ok {
		return id, nil
	}
	m.genMu.Lock()
	defer m.genMu.Unlock()
	if id, ok := m.Current(u); ok {
		return id, nil
	}
	return m.GenerateKey(u, KeyOptions{})
}

func hybridParams(meta keystore.Metadata, material []byte) crypto.HybridParams {
	return crypto.HybridParams{
		ClassicalKey:    material[:crypto.ClassicalKeySize],
		ForwardMaterial: material[crypto.ClassicalKeySize:],
		AAD:             []byte(meta.ID),
		Algorithm:       meta.Algorithm,
	}
}

// Encrypt encrypts plaintext under id and returns the ID of the key that
// actually served the request, which differs from id after a rotation.
func (m *Manager) Encrypt(id string, plaintext []byte) (string, []byte, error) {
	material, meta, err := m.acquire("encrypt", id, keystore.Usage.CanEncrypt)
	if err != nil {
		return "", nil, err
	}
	defer crypto.SecureWipe(material)

	ct, err := m.engine.HybridEncrypt(plaintext, hybridParams(meta, material))
	if err != nil {
		return "", nil, keyerr.E("encrypt", meta.ID, err)
	}
	return meta.ID, ct, nil
}

// EncryptFor encrypts with the current key of u.
func (m *Manager) EncryptFor(u keystore.Usage, plaintext []byte) (string, []byte, error) {
	if !u.CanEncrypt() {
		return "", nil, keyerr.E("encrypt", "", fmt.Errorf("%w: usage %s cannot encrypt", keyerr.ErrInvalidParameters, u))
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		id, err := m.currentOrCreate(u)
		if err != nil {
			return "", nil, err
		}
		usedID, ct, err := m.Encrypt(id, plaintext)
		if !errors.Is(err, keyerr.ErrKeyInvalidState) && !errors.Is(err, keyerr.ErrKeyNotFound) {
			return usedID, ct, err
		}
		// The current key was revoked or removed underneath us.
		lastErr = err
	}
	return "", nil, lastErr
}

// Decrypt decrypts a ciphertext produced under id. DEPRECATED keys still
// decrypt; every other non-active state is refused.
func (m *Manager) Decrypt(id string, ciphertext []byte) ([]byte, error) {
	material, meta, err := m.unseal("decrypt", id, keystore.Usage.CanEncrypt)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(material)

	pt, err := m.engine.HybridDecrypt(ciphertext, hybridParams(meta, material))
	if err != nil {
		return nil, keyerr.E("decrypt", id, err)
	}
	return pt, nil
}

// Sign signs message with id and returns the ID of the signing key.
func (m *Manager) Sign(id string, message []byte) (string, []byte, error) {
	material, meta, err := m.acquire("sign", id, keystore.Usage.CanSign)
	if err != nil {
		return "", nil, err
	}
	defer crypto.SecureWipe(material)

	sig, err := m.engine.Sign(message, &crypto.KeyPair{
		Scheme:  meta.Algorithm,
		Level:   meta.Level,
		Private: material,
	})
	if err != nil {
		return "", nil, keyerr.E("sign", meta.ID, err)
	}
	return meta.ID, sig, nil
}

// SignFor signs with the current key of u.
func (m *Manager) SignFor(u keystore.Usage, message []byte) (string, []byte, error) {
	if !u.CanSign() {
		return "", nil, keyerr.E("sign", "", fmt.Errorf("%w: usage %s cannot sign", keyerr.ErrInvalidParameters, u))
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		id, err := m.currentOrCreate(u)
		if err != nil {
			return "", nil, err
		}
		usedID, sig, err := m.Sign(id, message)
		if !errors.Is(err, keyerr.ErrKeyInvalidState) && !errors.Is(err, keyerr.ErrKeyNotFound) {
			return usedID, sig, err
		}
		lastErr = err
	}
	return "", nil, lastErr
}

// Verify reports whether signature is valid for message under id. A
// mismatch is (false, nil); errors are reserved for unusable keys.
func (m *Manager) Verify(id string, message, signature []byte) (bool, error) {
	material, meta, err := m.unseal("verify", id, keystore.Usage.CanSign)
	if err != nil {
		return false, err
	}
	defer crypto.SecureWipe(material)

	err = m.engine.Verify(message, signature, &crypto.KeyPair{
		Scheme:  meta.Algorithm,
		Level:   meta.Level,
		Private: material,
	})
	if errors.Is(err, keyerr.ErrIntegrityFailure) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PublicKey returns the public half of a signature or key-exchange key.
func (m *Manager) PublicKey(id string) ([]byte, keystore.Metadata, error) {
	material, meta, err := m.unseal("public key", id, func(u keystore.Usage) bool { return !u.CanEncrypt() })
	if err != nil {
		return nil, keystore.Metadata{}, err
	}
	defer crypto.SecureWipe(material)

	var pub []byte
	switch {
	case meta.Usage == keystore.UsageKeyExchange:
		pub, err = crypto.ExchangePublic(material)
	case meta.Algorithm == crypto.SignerMLDSA65:
		pub, err = crypto.MLDSAPublic(material)
	default:
		pub = crypto.HashChainPublic(material, meta.Level)
	}
	if err != nil {
		return nil, keystore.Metadata{}, keyerr.E("public key", id, err)
	}
	return pub, meta, nil
}

// Decapsulate recovers the shared secret sent to a KeyExchange key.
func (m *Manager) Decapsulate(id string, ciphertext []byte) ([]byte, error) {
	material, _, err := m.unseal("decapsulate", id, func(u keystore.Usage) bool { return u == keystore.UsageKeyExchange })
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(material)

	shared, err := m.engine.Decapsulate(material, ciphertext)
	if err != nil {
		return nil, keyerr.E("decapsulate", id, err)
	}
	return shared, nil
}
