// Package crypto implements the primitive operations used by the key store
// and lifecycle manager: random generation, key derivation, hybrid
// authenticated encryption, hash-based signing, key exchange and wiping.
//
// The engine holds no key material of its own apart from the node's
// ephemeral session exchange key. Every secret it materializes in a
// temporary buffer is wiped with SecureWipe before the call returns.
package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/kenneth/field-keyguard/internal/entropy"
	"github.com/kenneth/field-keyguard/internal/keyerr"
)

const (
	// MinKDFIterations is the lowest PBKDF2 cost DeriveKey accepts.
	MinKDFIterations = 100000

	// ClassicalKeySize is the size of the classical half of a hybrid key.
	ClassicalKeySize = 32

	minSaltSize = 16
	sampleSize  = 32
	maxPeriod   = 8
	threatSpan  = 60
)

// Options configures an Engine.
type Options struct {
	// Algorithm is the AEAD used by HybridEncrypt when the caller does not
	// name one.
	Algorithm string

	// Signer names the default signature slot for GenerateKeyPair.
	Signer string
}

// DefaultOptions returns AES-256-GCM with the hash-chain signer.
func DefaultOptions() Options {
	return Options{
		Algorithm: AlgorithmAES256GCM,
		Signer:    SignerHashChain,
	}
}

// Engine performs the cryptographic primitives. It is safe for concurrent use.
type Engine struct {
	source    entropy.Source
	algorithm string
	signer    Signer
	signers   map[string]Signer

	mu      sync.Mutex // guards rng and session
	rng     drbg
	session *sessionKey
}

// NewEngine creates an engine drawing randomness from source and runs the
// startup entropy self-test. A failing self-test returns ErrEntropyFailure.
func NewEngine(source entropy.Source, opts Options) (*Engine, error) {
	if source == nil {
		return nil, keyerr.E("new engine", "", keyerr.ErrNotInitialized)
	}
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmAES256GCM
	}
	if !IsAlgorithmSupported(opts.Algorithm) {
		return nil, keyerr.E("new engine", "", fmt.Errorf("%w: unsupported algorithm %s (want one of %v)", keyerr.ErrInvalidParameters, opts.Algorithm, SupportedAlgorithms()))
	}
	if opts.Signer == "" {
		opts.Signer = SignerHashChain
	}

	e := &Engine{
		source:    source,
		algorithm: opts.Algorithm,
		signers: map[string]Signer{
			SignerHashChain: hashChainSigner{},
			SignerMLDSA65:   mldsaSigner{},
		},
	}

	signer, ok := e.signers[opts.Signer]
	if !ok {
		return nil, keyerr.E("new engine", "", fmt.Errorf("%w: unknown signer %s", keyerr.ErrInvalidParameters, opts.Signer))
	}
	e.signer = signer

	probe := make([]byte, 2*sampleSize)
	defer SecureWipe(probe)
	if err := e.GenerateRandom(probe); err != nil {
		return nil, err
	}

	return e, nil
}

// Algorithm returns the default AEAD name.
func (e *Engine) Algorithm() string {
	return e.algorithm
}

// SignerName returns the default signature slot name.
func (e *Engine) SignerName() string {
	return e.signer.Name()
}

// GenerateRandom fills buf with hardware entropy whitened by a ChaCha20
// DRBG. The DRBG is reseeded on every call from the fresh hardware sample
// and timing jitter. Degenerate hardware output (constant bytes, short
// periods, or a repeat of the previous sample) fails with ErrEntropyFailure.
func (e *Engine) GenerateRandom(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	hw := make([]byte, max(len(buf), sampleSize))
	defer SecureWipe(hw)

	start := time.Now()
	if err := e.source.Fill(hw); err != nil {
		return keyerr.E("generate random", "", fmt.Errorf("%w: %v", keyerr.ErrEntropyFailure, err))
	}
	jitter := time.Since(start)

	if degenerate(hw) {
		return keyerr.E("generate random", "", fmt.Errorf("%w: degenerate source output", keyerr.ErrEntropyFailure))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	digest := sha256.Sum256(hw[:sampleSize])
	if e.rng.seeded && subtle.ConstantTimeCompare(digest[:], e.rng.last[:]) == 1 {
		return keyerr.E("generate random", "", fmt.Errorf("%w: repeated source block", keyerr.ErrEntropyFailure))
	}
	e.rng.last = digest

	if err := e.rng.reseed(hw, jitter); err != nil {
		return keyerr.E("generate random", "", fmt.Errorf("%w: %v", keyerr.ErrEntropyFailure, err))
	}
	if err := e.rng.xorKeyStream(buf, hw[:len(buf)]); err != nil {
		return keyerr.E("generate random", "", fmt.Errorf("%w: %v", keyerr.ErrEntropyFailure, err))
	}

	if degenerate(buf) {
		SecureWipe(buf)
		return keyerr.E("generate random", "", fmt.Errorf("%w: degenerate output", keyerr.ErrEntropyFailure))
	}
	return nil
}

// Reader returns an io.Reader backed by GenerateRandom.
func (e *Engine) Reader() io.Reader {
	return randReader{e}
}

type randReader struct{ e *Engine }

func (r randReader) Read(p []byte) (int, error) {
	if err := r.e.GenerateRandom(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// randomBytes allocates n random bytes.
func (e *Engine) randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := e.GenerateRandom(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DeriveKey stretches passphrase with PBKDF2-HMAC-SHA-512 and expands the
// result with HKDF-SHA-512 bound to info, so the same passphrase and salt
// yield unrelated keys for different contexts.
func (e *Engine) DeriveKey(passphrase, salt, info []byte, iterations, outLen int) ([]byte, error) {
	return DeriveKey(passphrase, salt, info, iterations, outLen)
}

// DeriveKey is the engine-independent form of Engine.DeriveKey.
func DeriveKey(passphrase, salt, info []byte, iterations, outLen int) ([]byte, error) {
	switch {
	case len(passphrase) == 0:
		return nil, keyerr.E("derive key", "", fmt.Errorf("%w: empty passphrase", keyerr.ErrInvalidParameters))
	case len(salt) < minSaltSize:
		return nil, keyerr.E("derive key", "", fmt.Errorf("%w: salt shorter than %d bytes", keyerr.ErrInvalidParameters, minSaltSize))
	case iterations < MinKDFIterations:
		return nil, keyerr.E("derive key", "", fmt.Errorf("%w: %d iterations below minimum %d", keyerr.ErrInvalidParameters, iterations, MinKDFIterations))
	case outLen <= 0 || outLen > 255*sha512.Size:
		return nil, keyerr.E("derive key", "", fmt.Errorf("%w: output length %d", keyerr.ErrInvalidParameters, outLen))
	}

	prk := pbkdf2.Key(passphrase, salt, iterations, sha512.Size, sha512.New)
	defer SecureWipe(prk)

	out := make([]byte, outLen)
	if _, err := io.ReadFull(hkdf.Expand(sha512.New, prk, info), out); err != nil {
		SecureWipe(out)
		return nil, keyerr.E("derive key", "", fmt.Errorf("%w: %v", keyerr.ErrEncryptionFailure, err))
	}
	return out, nil
}

// AssessThreatLevel scores key exposure from 0 to 100: the level's base
// score plus up to 60 points as age approaches the rotation interval.
func AssessThreatLevel(level SecurityLevel, age, interval time.Duration) int {
	score := level.Params().ThreatBase
	switch {
	case interval <= 0:
		score += threatSpan
	case age > 0:
		score += int(min(float64(threatSpan), float64(threatSpan)*float64(age)/float64(interval)))
	}
	return max(0, min(100, score))
}

// SecureWipe overwrites b with random bytes, then 0xFF, then zeros.
func SecureWipe(b []byte) {
	if len(b) == 0 {
		return
	}
	memguard.ScrambleBytes(b)
	for i := range b {
		b[i] = 0xFF
	}
	memguard.WipeBytes(b)
	runtime.KeepAlive(b)
}

// IsZero reports whether every byte of b is zero.
func IsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// degenerate detects constant output and repeating periods up to maxPeriod.
func degenerate(b []byte) bool {
	if len(b) < 2*maxPeriod {
		return false
	}
	for p := 1; p <= maxPeriod; p++ {
		repeating := true
		for i := p; i < len(b); i++ {
			if b[i] != b[i-p] {
				repeating = false
				break
			}
		}
		if repeating {
			return true
		}
	}
	return false
}

type drbg struct {
	key     [chacha20.KeySize]byte
	counter uint64
	last    [sha256.Size]byte
	seeded  bool
}

func (d *drbg) reseed(sample []byte, jitter time.Duration) error {
	info := make([]byte, 24)
	binary.BigEndian.PutUint64(info[0:8], uint64(jitter))
	binary.BigEndian.PutUint64(info[8:16], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(info[16:24], d.counter)

	r := hkdf.New(sha256.New, sample, d.key[:], info)
	if _, err := io.ReadFull(r, d.key[:]); err != nil {
		return err
	}
	d.seeded = true
	return nil
}

func (d *drbg) xorKeyStream(dst, src []byte) error {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20.NonceSize-8:], d.counter)
	d.counter++

	c, err := chacha20.NewUnauthenticatedCipher(d.key[:], nonce)
	if err != nil {
		return err
	}
	c.XORKeyStream(dst, src)
	return nil
}
