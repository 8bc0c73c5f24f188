package crypto

import (
	"fmt"
	"strings"
	"time"
)

// SecurityLevel selects KDF cost, key sizes and rotation cadence.
type SecurityLevel uint8

const (
	LevelStandard SecurityLevel = iota + 1
	LevelHigh
	LevelMaximum
)

// LevelParams holds the policy values attached to a security level.
type LevelParams struct {
	KDFIterations    int
	ForwardSize      int
	ChainRounds      int
	SignatureSize    int
	RotationInterval time.Duration
	MaxKeyAge        time.Duration
	MaxUsage         uint64
	ThreatBase       int
}

var levelTable = map[SecurityLevel]LevelParams{
	LevelStandard: {
		KDFIterations:    100000,
		ForwardSize:      32,
		ChainRounds:      16,
		SignatureSize:    32,
		RotationInterval: 30 * 24 * time.Hour,
		MaxKeyAge:        90 * 24 * time.Hour,
		MaxUsage:         1000000,
		ThreatBase:       40,
	},
	LevelHigh: {
		KDFIterations:    210000,
		ForwardSize:      48,
		ChainRounds:      32,
		SignatureSize:    48,
		RotationInterval: 7 * 24 * time.Hour,
		MaxKeyAge:        30 * 24 * time.Hour,
		MaxUsage:         100000,
		ThreatBase:       25,
	},
	LevelMaximum: {
		KDFIterations:    310000,
		ForwardSize:      64,
		ChainRounds:      64,
		SignatureSize:    64,
		RotationInterval: 24 * time.Hour,
		MaxKeyAge:        7 * 24 * time.Hour,
		MaxUsage:         10000,
		ThreatBase:       10,
	},
}

// Valid reports whether l is a known level.
func (l SecurityLevel) Valid() bool {
	_, ok := levelTable[l]
	return ok
}

// Params returns the policy values for l. Unknown levels get the standard set.
func (l SecurityLevel) Params() LevelParams {
	if p, ok := levelTable[l]; ok {
		return p
	}
	return levelTable[LevelStandard]
}

func (l SecurityLevel) String() string {
	switch l {
	case LevelStandard:
		return "standard"
	case LevelHigh:
		return "high"
	case LevelMaximum:
		return "maximum"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// ParseSecurityLevel parses "standard", "high" or "maximum".
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard", "":
		return LevelStandard, nil
	case "high":
		return LevelHigh, nil
	case "maximum", "max":
		return LevelMaximum, nil
	default:
		return 0, fmt.Errorf("unknown security level: %s", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l SecurityLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *SecurityLevel) UnmarshalText(text []byte) error {
	v, err := ParseSecurityLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
