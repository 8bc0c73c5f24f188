package crypto

import (
	"crypto/sha512"
	"crypto/subtle"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/kenneth/field-keyguard/internal/keyerr"
)

const (
	// SignerHashChain is the hash-chain signature slot.
	SignerHashChain = "hash-chain"
	// SignerMLDSA65 is the ML-DSA-65 signature slot.
	SignerMLDSA65 = "ml-dsa-65"
	// MLDSASeedSize is the size of a stored ML-DSA-65 private seed.
	MLDSASeedSize = mldsa65.SeedSize

	hashChainDomain = "field-keyguard/hash-chain/v1"
)

// KeyPair is a signing key pair. Private may be nil for verification with
// schemes that have a real public key.
type KeyPair struct {
	Scheme  string
	Level   SecurityLevel
	Private []byte
	Public  []byte
}

// Wipe clears the private half.
func (kp *KeyPair) Wipe() {
	if kp != nil {
		SecureWipe(kp.Private)
	}
}

// Signer is a swappable signature scheme.
type Signer interface {
	Name() string
	GenerateKeyPair(e *Engine, level SecurityLevel) (*KeyPair, error)
	Sign(message []byte, kp *KeyPair) ([]byte, error)
	Verify(message, signature []byte, kp *KeyPair) error
}

// GenerateKeyPair creates a key pair with the default signer.
func (e *Engine) GenerateKeyPair(level SecurityLevel) (*KeyPair, error) {
	return e.GenerateKeyPairFor(e.signer.Name(), level)
}

// GenerateKeyPairFor creates a key pair with the named signer.
func (e *Engine) GenerateKeyPairFor(scheme string, level SecurityLevel) (*KeyPair, error) {
	s, err := e.signerFor(scheme)
	if err != nil {
		return nil, err
	}
	if !level.Valid() {
		return nil, keyerr.E("generate key pair", "", fmt.Errorf("%w: unknown security level", keyerr.ErrInvalidParameters))
	}
	return s.GenerateKeyPair(e, level)
}

// Sign signs message with kp using the slot named by kp.Scheme.
func (e *Engine) Sign(message []byte, kp *KeyPair) ([]byte, error) {
	if kp == nil || len(kp.Private) == 0 {
		return nil, keyerr.E("sign", "", fmt.Errorf("%w: missing private key", keyerr.ErrInvalidParameters))
	}
	s, err := e.signerFor(kp.Scheme)
	if err != nil {
		return nil, err
	}
	return s.Sign(message, kp)
}

// Verify checks signature over message. Any mismatch is ErrIntegrityFailure.
func (e *Engine) Verify(message, signature []byte, kp *KeyPair) error {
	if kp == nil {
		return keyerr.E("verify", "", keyerr.ErrIntegrityFailure)
	}
	s, err := e.signerFor(kp.Scheme)
	if err != nil {
		return keyerr.E("verify", "", keyerr.ErrIntegrityFailure)
	}
	return s.Verify(message, signature, kp)
}

func (e *Engine) signerFor(scheme string) (Signer, error) {
	if scheme == "" {
		return e.signer, nil
	}
	s, ok := e.signers[scheme]
	if !ok {
		return nil, keyerr.E("signer", "", fmt.Errorf("%w: unknown signer %s", keyerr.ErrInvalidParameters, scheme))
	}
	return s, nil
}

// hashChainSigner iterates SHA-512 over the message and private key for
// the level's number of rounds. The public key is a truncated hash of the
// private key, so verification needs the private key as well.
type hashChainSigner struct{}

func (hashChainSigner) Name() string { return SignerHashChain }

func (hashChainSigner) GenerateKeyPair(e *Engine, level SecurityLevel) (*KeyPair, error) {
	priv, err := e.randomBytes(level.Params().SignatureSize)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Scheme:  SignerHashChain,
		Level:   level,
		Private: priv,
		Public:  hashChainPublic(priv, level),
	}, nil
}

func (hashChainSigner) Sign(message []byte, kp *KeyPair) ([]byte, error) {
	return hashChain(message, kp.Private, kp.Level), nil
}

func (hashChainSigner) Verify(message, signature []byte, kp *KeyPair) error {
	if len(kp.Private) == 0 {
		return keyerr.E("verify", "", keyerr.ErrIntegrityFailure)
	}
	if len(kp.Public) > 0 {
		pub := hashChainPublic(kp.Private, kp.Level)
		if subtle.ConstantTimeCompare(pub, kp.Public) != 1 {
			return keyerr.E("verify", "", keyerr.ErrIntegrityFailure)
		}
	}

	expected := hashChain(message, kp.Private, kp.Level)
	defer SecureWipe(expected)
	if subtle.ConstantTimeCompare(expected, signature) != 1 {
		return keyerr.E("verify", "", keyerr.ErrIntegrityFailure)
	}
	return nil
}

// HashChainPublic derives the public half of a hash-chain private key.
func HashChainPublic(priv []byte, level SecurityLevel) []byte {
	return hashChainPublic(priv, level)
}

func hashChainPublic(priv []byte, level SecurityLevel) []byte {
	sum := sha512.Sum512(priv)
	return append([]byte(nil), sum[:level.Params().SignatureSize]...)
}

func hashChain(message, priv []byte, level SecurityLevel) []byte {
	params := level.Params()

	h := sha512.New()
	h.Write([]byte(hashChainDomain))
	h.Write(message)
	h.Write(priv)
	state := h.Sum(nil)

	for i := 1; i < params.ChainRounds; i++ {
		h.Reset()
		h.Write(state)
		h.Write(message)
		h.Write(priv)
		state = h.Sum(state[:0])
	}

	sig := append([]byte(nil), state[:params.SignatureSize]...)
	SecureWipe(state)
	return sig
}

// mldsaSigner keeps the 32-byte ML-DSA-65 seed as the private key.
type mldsaSigner struct{}

func (mldsaSigner) Name() string { return SignerMLDSA65 }

func (mldsaSigner) GenerateKeyPair(e *Engine, level SecurityLevel) (*KeyPair, error) {
	seed, err := e.randomBytes(mldsa65.SeedSize)
	if err != nil {
		return nil, err
	}
	pub, err := MLDSAPublic(seed)
	if err != nil {
		SecureWipe(seed)
		return nil, err
	}
	return &KeyPair{Scheme: SignerMLDSA65, Level: level, Private: seed, Public: pub}, nil
}

func (mldsaSigner) Sign(message []byte, kp *KeyPair) ([]byte, error) {
	_, sk, err := mldsaFromSeed(kp.Private)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(sk, message, nil, false, sig); err != nil {
		return nil, keyerr.E("sign", "", fmt.Errorf("%w: %v", keyerr.ErrEncryptionFailure, err))
	}
	return sig, nil
}

func (mldsaSigner) Verify(message, signature []byte, kp *KeyPair) error {
	var pk mldsa65.PublicKey
	switch {
	case len(kp.Public) > 0:
		if err := pk.UnmarshalBinary(kp.Public); err != nil {
			return keyerr.E("verify", "", keyerr.ErrIntegrityFailure)
		}
	case len(kp.Private) > 0:
		derived, _, err := mldsaFromSeed(kp.Private)
		if err != nil {
			return keyerr.E("verify", "", keyerr.ErrIntegrityFailure)
		}
		pk = *derived
	default:
		return keyerr.E("verify", "", keyerr.ErrIntegrityFailure)
	}

	if !mldsa65.Verify(&pk, message, nil, signature) {
		return keyerr.E("verify", "", keyerr.ErrIntegrityFailure)
	}
	return nil
}

// MLDSAPublic returns the packed ML-DSA-65 public key for seed.
func MLDSAPublic(seed []byte) ([]byte, error) {
	pk, _, err := mldsaFromSeed(seed)
	if err != nil {
		return nil, err
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, keyerr.E("ml-dsa public", "", fmt.Errorf("%w: %v", keyerr.ErrEncryptionFailure, err))
	}
	return pub, nil
}

func mldsaFromSeed(seed []byte) (*mldsa65.PublicKey, *mldsa65.PrivateKey, error) {
	if len(seed) != mldsa65.SeedSize {
		return nil, nil, keyerr.E("ml-dsa", "", fmt.Errorf("%w: seed must be %d bytes", keyerr.ErrInvalidParameters, mldsa65.SeedSize))
	}
	var s [mldsa65.SeedSize]byte
	copy(s[:], seed)
	pk, sk := mldsa65.NewKeyFromSeed(&s)
	SecureWipe(s[:])
	return pk, sk, nil
}
