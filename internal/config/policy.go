package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// PolicyConfig holds the structure for a key policy file. Zero fields keep
// the security level's defaults.
type PolicyConfig struct {
	ID               string        `yaml:"id"`
	Usages           []string      `yaml:"usages"` // Glob patterns for usage names
	Level            string        `yaml:"level,omitempty"`
	RotationInterval time.Duration `yaml:"rotation_interval,omitempty"`
	MaxKeyAge        time.Duration `yaml:"max_key_age,omitempty"`
	MaxUsage         uint64        `yaml:"max_usage,omitempty"`
	AllowExport      bool          `yaml:"allow_export,omitempty"`
	Algorithm        string        `yaml:"algorithm,omitempty"`
}

// PolicyManager manages loading and matching policies
type PolicyManager struct {
	policies []*PolicyConfig
	mu       sync.RWMutex
}

// NewPolicyManager creates a new policy manager
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: make([]*PolicyConfig, 0),
	}
}

// LoadPolicies loads policies from the specified file patterns. On error
// the previously loaded set is kept.
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	loaded := make([]*PolicyConfig, 0)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy PolicyConfig
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if err := policy.Validate(); err != nil {
				return fmt.Errorf("policy file %s: %w", match, err)
			}

			loaded = append(loaded, &policy)
		}
	}

	pm.mu.Lock()
	pm.policies = loaded
	pm.mu.Unlock()

	return nil
}

// Validate checks a single policy.
func (p *PolicyConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy must have an ID")
	}
	if len(p.Usages) == 0 {
		return fmt.Errorf("policy %s must specify at least one usage pattern", p.ID)
	}
	switch p.Level {
	case "", "standard", "high", "maximum":
	default:
		return fmt.Errorf("policy %s: invalid level %s", p.ID, p.Level)
	}
	switch p.Algorithm {
	case "", "AES256-GCM", "ChaCha20-Poly1305":
	default:
		return fmt.Errorf("policy %s: invalid algorithm %s", p.ID, p.Algorithm)
	}
	if p.RotationInterval < 0 || p.MaxKeyAge < 0 {
		return fmt.Errorf("policy %s: durations must not be negative", p.ID)
	}
	if p.RotationInterval > 0 && p.MaxKeyAge > 0 && p.MaxKeyAge < p.RotationInterval {
		return fmt.Errorf("policy %s: max_key_age must not be shorter than rotation_interval", p.ID)
	}
	return nil
}

// GetPolicyForUsage returns the first matching policy for the given usage name.
func (pm *PolicyManager) GetPolicyForUsage(usage string) *PolicyConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		for _, pattern := range policy.Usages {
			if glob.Glob(pattern, usage) {
				return policy
			}
		}
	}
	return nil
}

// Policies returns the loaded policies.
func (pm *PolicyManager) Policies() []*PolicyConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return append([]*PolicyConfig(nil), pm.policies...)
}
