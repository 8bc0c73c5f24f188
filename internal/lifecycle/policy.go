package lifecycle

import (
	"fmt"
	"time"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keystore"
)

// UsagePolicy overrides the security-level defaults for one usage. Zero
// fields keep the level's value.
type UsagePolicy struct {
	Level            crypto.SecurityLevel
	RotationInterval time.Duration
	MaxKeyAge        time.Duration
	MaxUsage         uint64
	AllowExport      bool
	Algorithm        string
}

// RetryPolicy bounds the storage retries of a backup.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// BackupPolicy controls scheduled backups.
type BackupPolicy struct {
	Enabled  bool
	Interval time.Duration
	Copies   int
	Offsite  bool
	Retry    RetryPolicy
}

// Policy is the lifecycle configuration of a Manager.
type Policy struct {
	DefaultLevel        crypto.SecurityLevel
	MaintenanceInterval time.Duration
	GracePeriod         time.Duration
	// ThreatThreshold triggers rotation when AssessThreatLevel reaches it.
	// Zero disables the threat trigger.
	ThreatThreshold int
	SessionRotation time.Duration
	Backup          BackupPolicy
	Overrides       map[keystore.Usage]UsagePolicy
}

// DefaultPolicy mirrors the default configuration file.
func DefaultPolicy() Policy {
	return Policy{
		DefaultLevel:        crypto.LevelHigh,
		MaintenanceInterval: time.Minute,
		GracePeriod:         24 * time.Hour,
		ThreatThreshold:     90,
		SessionRotation:     time.Hour,
		Backup: BackupPolicy{
			Enabled:  true,
			Interval: 6 * time.Hour,
			Copies:   3,
			Retry: RetryPolicy{
				MaxAttempts:     5,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
			},
		},
	}
}

// Validate checks the policy for values the manager cannot work with.
func (p Policy) Validate() error {
	if !p.DefaultLevel.Valid() {
		return fmt.Errorf("invalid default security level %d", p.DefaultLevel)
	}
	if p.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance interval must be positive")
	}
	if p.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative")
	}
	if p.ThreatThreshold < 0 || p.ThreatThreshold > 100 {
		return fmt.Errorf("threat threshold must be between 0 and 100")
	}
	if p.Backup.Enabled && (p.Backup.Interval <= 0 || p.Backup.Copies < 1) {
		return fmt.Errorf("backup interval and copies must be positive")
	}
	for u, o := range p.Overrides {
		if !u.Valid() {
			return fmt.Errorf("override for unknown usage %d", u)
		}
		if o.Level != 0 && !o.Level.Valid() {
			return fmt.Errorf("override for %s: invalid security level", u)
		}
		if o.Algorithm != "" && !crypto.IsAlgorithmSupported(o.Algorithm) {
			return fmt.Errorf("override for %s: unsupported algorithm %s (want one of %v)", u, o.Algorithm, crypto.SupportedAlgorithms())
		}
		if o.RotationInterval < 0 || o.MaxKeyAge < 0 {
			return fmt.Errorf("override for %s: negative interval", u)
		}
	}
	return nil
}

// KeyOptions customises a generated key. Zero fields take the policy value.
type KeyOptions struct {
	Level            crypto.SecurityLevel
	RotationInterval time.Duration
	MaxKeyAge        time.Duration
	MaxUsage         uint64
	AllowExport      bool
	Algorithm        string
}

// keyParams is a fully resolved set of per-key limits.
type keyParams struct {
	level            crypto.SecurityLevel
	rotationInterval time.Duration
	maxKeyAge        time.Duration
	maxUsage         uint64
	allowExport      bool
	algorithm        string
}

// resolve merges opts over the usage override over the level defaults.
func (p Policy) resolve(u keystore.Usage, opts KeyOptions) keyParams {
	o := p.Overrides[u]

	level := opts.Level
	if level == 0 {
		level = o.Level
	}
	if level == 0 {
		level = p.DefaultLevel
	}
	lp := level.Params()

	kp := keyParams{
		level:            level,
		rotationInterval: firstDuration(opts.RotationInterval, o.RotationInterval, lp.RotationInterval),
		maxKeyAge:        firstDuration(opts.MaxKeyAge, o.MaxKeyAge, lp.MaxKeyAge),
		maxUsage:         lp.MaxUsage,
		allowExport:      opts.AllowExport || o.AllowExport,
		algorithm:        opts.Algorithm,
	}
	if opts.MaxUsage > 0 {
		kp.maxUsage = opts.MaxUsage
	} else if o.MaxUsage > 0 {
		kp.maxUsage = o.MaxUsage
	}
	if kp.algorithm == "" {
		kp.algorithm = o.Algorithm
	}
	if kp.maxKeyAge < kp.rotationInterval {
		kp.maxKeyAge = kp.rotationInterval
	}
	return kp
}

func firstDuration(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}
