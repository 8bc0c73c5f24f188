package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"github.com/kenneth/field-keyguard/internal/keyerr"
)

const (
	// AlgorithmMLKEM768 names the key-exchange mechanism.
	AlgorithmMLKEM768 = "ML-KEM-768"

	// ExchangeSeedSize is the size of a stored ML-KEM-768 key seed.
	ExchangeSeedSize = mlkem768.KeySeedSize
	// ExchangeCiphertextSize is the size of an encapsulation.
	ExchangeCiphertextSize = mlkem768.CiphertextSize
	// SharedSecretSize is the size of a decapsulated secret.
	SharedSecretSize = mlkem768.SharedKeySize
)

// sessionKey is the node's ephemeral exchange key.
type sessionKey struct {
	seed   []byte
	public []byte
}

// GenerateExchangeKey creates an ML-KEM-768 key. The seed is the private
// half and expands deterministically to the full key.
func (e *Engine) GenerateExchangeKey() (seed, public []byte, err error) {
	seed, err = e.randomBytes(ExchangeSeedSize)
	if err != nil {
		return nil, nil, err
	}
	public, err = ExchangePublic(seed)
	if err != nil {
		SecureWipe(seed)
		return nil, nil, err
	}
	return seed, public, nil
}

// ExchangePublic returns the packed public key for an exchange seed.
func ExchangePublic(seed []byte) ([]byte, error) {
	if len(seed) != ExchangeSeedSize {
		return nil, keyerr.E("exchange public", "", fmt.Errorf("%w: seed must be %d bytes", keyerr.ErrInvalidParameters, ExchangeSeedSize))
	}
	pk, _ := mlkem768.NewKeyFromSeed(seed)
	public, err := pk.MarshalBinary()
	if err != nil {
		return nil, keyerr.E("exchange public", "", fmt.Errorf("%w: %v", keyerr.ErrEncryptionFailure, err))
	}
	return public, nil
}

// Encapsulate produces a ciphertext and shared secret for peerPublic.
func (e *Engine) Encapsulate(peerPublic []byte) (ct, shared []byte, err error) {
	var pk mlkem768.PublicKey
	if len(peerPublic) != mlkem768.PublicKeySize {
		return nil, nil, keyerr.E("encapsulate", "", fmt.Errorf("%w: public key must be %d bytes", keyerr.ErrInvalidParameters, mlkem768.PublicKeySize))
	}
	if err := pk.Unpack(peerPublic); err != nil {
		return nil, nil, keyerr.E("encapsulate", "", fmt.Errorf("%w: %v", keyerr.ErrInvalidParameters, err))
	}

	seed, err := e.randomBytes(mlkem768.EncapsulationSeedSize)
	if err != nil {
		return nil, nil, err
	}
	defer SecureWipe(seed)

	ct = make([]byte, mlkem768.CiphertextSize)
	shared = make([]byte, mlkem768.SharedKeySize)
	pk.EncapsulateTo(ct, shared, seed)
	return ct, shared, nil
}

// Decapsulate recovers the shared secret for ct with the exchange seed.
func (e *Engine) Decapsulate(seed, ct []byte) ([]byte, error) {
	if len(seed) != ExchangeSeedSize || len(ct) != ExchangeCiphertextSize {
		return nil, keyerr.E("decapsulate", "", fmt.Errorf("%w: exchange sizes", keyerr.ErrInvalidParameters))
	}
	_, sk := mlkem768.NewKeyFromSeed(seed)
	shared := make([]byte, mlkem768.SharedKeySize)
	sk.DecapsulateTo(shared, ct)
	return shared, nil
}

// RotateSessionKey replaces the node's ephemeral exchange key and wipes
// the previous seed.
func (e *Engine) RotateSessionKey() error {
	seed, public, err := e.GenerateExchangeKey()
	if err != nil {
		return err
	}

	e.mu.Lock()
	prev := e.session
	e.session = &sessionKey{seed: seed, public: public}
	e.mu.Unlock()

	if prev != nil {
		SecureWipe(prev.seed)
	}
	return nil
}

// SessionPublicKey returns the current ephemeral public key.
func (e *Engine) SessionPublicKey() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, keyerr.E("session public key", "", keyerr.ErrNotInitialized)
	}
	return append([]byte(nil), e.session.public...), nil
}

// DecapsulateSession recovers a shared secret sent to the session key.
func (e *Engine) DecapsulateSession(ct []byte) ([]byte, error) {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil, keyerr.E("decapsulate session", "", keyerr.ErrNotInitialized)
	}
	seed := append([]byte(nil), e.session.seed...)
	e.mu.Unlock()
	defer SecureWipe(seed)

	return e.Decapsulate(seed, ct)
}

// WipeSession destroys the session key.
func (e *Engine) WipeSession() {
	e.mu.Lock()
	prev := e.session
	e.session = nil
	e.mu.Unlock()

	if prev != nil {
		SecureWipe(prev.seed)
	}
}
