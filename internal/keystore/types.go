package keystore

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/field-keyguard/internal/crypto"
)

// Usage is the purpose a key serves.
type Usage uint8

const (
	UsageDataEncryption Usage = iota + 1
	UsageSignature
	UsageKeyExchange
	UsageAuthentication
	UsageIntegrity
	UsageBackup
)

// Usages lists every usage in declaration order.
var Usages = []Usage{
	UsageDataEncryption,
	UsageSignature,
	UsageKeyExchange,
	UsageAuthentication,
	UsageIntegrity,
	UsageBackup,
}

func (u Usage) String() string {
	switch u {
	case UsageDataEncryption:
		return "data_encryption"
	case UsageSignature:
		return "signature"
	case UsageKeyExchange:
		return "key_exchange"
	case UsageAuthentication:
		return "authentication"
	case UsageIntegrity:
		return "integrity"
	case UsageBackup:
		return "backup"
	default:
		return fmt.Sprintf("usage(%d)", uint8(u))
	}
}

// Valid reports whether u is a known usage.
func (u Usage) Valid() bool {
	return u >= UsageDataEncryption && u <= UsageBackup
}

// CanEncrypt reports whether keys of this usage serve Encrypt/Decrypt.
func (u Usage) CanEncrypt() bool {
	return u == UsageDataEncryption || u == UsageBackup
}

// CanSign reports whether keys of this usage serve Sign/Verify.
func (u Usage) CanSign() bool {
	return u == UsageSignature || u == UsageAuthentication || u == UsageIntegrity
}

// ParseUsage parses the String form of a usage.
func ParseUsage(s string) (Usage, error) {
	for _, u := range Usages {
		if strings.EqualFold(s, u.String()) {
			return u, nil
		}
	}
	return 0, fmt.Errorf("unknown key usage: %s", s)
}

// MarshalText implements encoding.TextMarshaler.
func (u Usage) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *Usage) UnmarshalText(text []byte) error {
	v, err := ParseUsage(string(text))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// Status is a key's lifecycle state.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusDeprecated
	StatusExpired
	StatusRevoked
	StatusCompromised
)

// Statuses lists every status in declaration order.
var Statuses = []Status{StatusActive, StatusDeprecated, StatusExpired, StatusRevoked, StatusCompromised}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDeprecated:
		return "deprecated"
	case StatusExpired:
		return "expired"
	case StatusRevoked:
		return "revoked"
	case StatusCompromised:
		return "compromised"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus parses the String form of a status.
func ParseStatus(str string) (Status, error) {
	for _, s := range Statuses {
		if strings.EqualFold(str, s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown key status: %s", str)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRevoked
}

// Decryptable reports whether material may still be used to decrypt or verify.
func (s Status) Decryptable() bool {
	return s == StatusActive || s == StatusDeprecated
}

// Metadata describes a key. UsageCount is the only field outside the
// checksum; a status change recomputes it.
type Metadata struct {
	ID               string               `json:"id"`
	Family           uuid.UUID            `json:"family"`
	Version          uint32               `json:"version"`
	Usage            Usage                `json:"usage"`
	Status           Status               `json:"status"`
	Level            crypto.SecurityLevel `json:"level"`
	CreatedAt        time.Time            `json:"created_at"`
	ExpiresAt        time.Time            `json:"expires_at"`
	RotationInterval time.Duration        `json:"rotation_interval"`
	UsageCount       uint64               `json:"usage_count"`
	MaxUsage         uint64               `json:"max_usage"`
	AllowExport      bool                 `json:"allow_export"`
	Algorithm        string               `json:"algorithm"`
}

// Entry is a stored key: metadata plus sealed material.
type Entry struct {
	Meta      Metadata
	Sealed    []byte
	Checksum  [ChecksumSize]byte
	Encrypted bool
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Sealed = append([]byte(nil), e.Sealed...)
	return &c
}

// Tombstone records a key destroyed by revocation.
type Tombstone struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}
