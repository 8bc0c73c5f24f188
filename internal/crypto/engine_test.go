package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/field-keyguard/internal/entropy"
	"github.com/kenneth/field-keyguard/internal/keyerr"
)

func TestNewEngine(t *testing.T) {
	tests := []struct {
		name    string
		source  entropy.Source
		opts    Options
		wantErr error
	}{
		{
			name:   "defaults",
			source: entropy.NewSystem(),
			opts:   Options{},
		},
		{
			name:   "chacha with ml-dsa",
			source: entropy.NewSystem(),
			opts:   Options{Algorithm: AlgorithmChaCha20Poly1305, Signer: SignerMLDSA65},
		},
		{
			name:    "nil source",
			opts:    DefaultOptions(),
			wantErr: keyerr.ErrNotInitialized,
		},
		{
			name:    "unknown algorithm",
			source:  entropy.NewSystem(),
			opts:    Options{Algorithm: "ROT13"},
			wantErr: keyerr.ErrInvalidParameters,
		},
		{
			name:    "unknown signer",
			source:  entropy.NewSystem(),
			opts:    Options{Signer: "lamport"},
			wantErr: keyerr.ErrInvalidParameters,
		},
		{
			name:    "zero source fails self-test",
			source:  entropy.SourceFunc(func(b []byte) error { clear(b); return nil }),
			opts:    DefaultOptions(),
			wantErr: keyerr.ErrEntropyFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(tt.source, tt.opts)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewEngine() error = %v, want %v", err, tt.wantErr)
				}
				if e != nil {
					t.Errorf("NewEngine() expected nil engine on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewEngine() unexpected error: %v", err)
			}
		})
	}
}

func TestGenerateRandom(t *testing.T) {
	e := newTestEngine(t)

	a := make([]byte, 64)
	b := make([]byte, 64)
	require.NoError(t, e.GenerateRandom(a))
	require.NoError(t, e.GenerateRandom(b))

	assert.False(t, IsZero(a))
	assert.False(t, bytes.Equal(a, b))

	// Short buffers still draw a full sample from the source.
	small := make([]byte, 3)
	require.NoError(t, e.GenerateRandom(small))
	require.NoError(t, e.GenerateRandom(nil))
}

func TestGenerateRandom_SourceFailures(t *testing.T) {
	stuck := make([]byte, 256)
	if _, err := rand.Read(stuck); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		source entropy.Source
	}{
		{"read error", entropy.SourceFunc(func([]byte) error { return errors.New("device gone") })},
		{"constant byte", entropy.SourceFunc(func(b []byte) error {
			for i := range b {
				b[i] = 0x5A
			}
			return nil
		})},
		{"short period", entropy.SourceFunc(func(b []byte) error {
			for i := range b {
				b[i] = byte(i % 4)
			}
			return nil
		})},
	}

	healthy := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			healthy.source = tt.source
			err := healthy.GenerateRandom(make([]byte, 32))
			assert.ErrorIs(t, err, keyerr.ErrEntropyFailure)
		})
	}

	t.Run("repeated block", func(t *testing.T) {
		healthy.source = entropy.SourceFunc(func(b []byte) error {
			copy(b, stuck)
			return nil
		})
		require.NoError(t, healthy.GenerateRandom(make([]byte, 32)))
		assert.ErrorIs(t, healthy.GenerateRandom(make([]byte, 32)), keyerr.ErrEntropyFailure)
	})
}

func TestDeriveKey(t *testing.T) {
	salt := bytes.Repeat([]byte{0x01}, 32)
	pass := []byte("correct horse battery staple")

	k1, err := DeriveKey(pass, salt, []byte("store/seal"), MinKDFIterations, 32)
	require.NoError(t, err)
	k2, err := DeriveKey(pass, salt, []byte("store/seal"), MinKDFIterations, 32)
	require.NoError(t, err)
	k3, err := DeriveKey(pass, salt, []byte("store/checksum"), MinKDFIterations, 32)
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3, "different info must give unrelated keys")

	invalid := []struct {
		name       string
		pass, salt []byte
		iterations int
		outLen     int
	}{
		{"low iterations", pass, salt, 99999, 32},
		{"empty passphrase", nil, salt, MinKDFIterations, 32},
		{"short salt", pass, salt[:8], MinKDFIterations, 32},
		{"zero length", pass, salt, MinKDFIterations, 0},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveKey(tt.pass, tt.salt, nil, tt.iterations, tt.outLen)
			assert.ErrorIs(t, err, keyerr.ErrInvalidParameters)
		})
	}
}

func TestAssessThreatLevel(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		level    SecurityLevel
		age      time.Duration
		interval time.Duration
		want     int
	}{
		{LevelStandard, 0, 30 * day, 40},
		{LevelStandard, 15 * day, 30 * day, 70},
		{LevelStandard, 90 * day, 30 * day, 100},
		{LevelHigh, 7 * day, 7 * day, 85},
		{LevelMaximum, 12 * time.Hour, day, 40},
		{LevelMaximum, time.Hour, 0, 70},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, AssessThreatLevel(tt.level, tt.age, tt.interval), "%s age=%s", tt.level, tt.age)
	}
}

func TestSecureWipe(t *testing.T) {
	buf := []byte("super secret key material!")
	SecureWipe(buf)
	assert.True(t, IsZero(buf))

	SecureWipe(nil)
}

func TestSecurityLevelParsing(t *testing.T) {
	for _, l := range []SecurityLevel{LevelStandard, LevelHigh, LevelMaximum} {
		parsed, err := ParseSecurityLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}

	_, err := ParseSecurityLevel("paranoid")
	assert.Error(t, err)
	assert.False(t, SecurityLevel(9).Valid())
	assert.Equal(t, LevelStandard.Params(), SecurityLevel(9).Params())
}
