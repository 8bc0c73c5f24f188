package service

import (
	"fmt"

	"github.com/kenneth/field-keyguard/internal/config"
	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/lifecycle"
)

// EngineOptions maps the crypto section of cfg to engine options.
func EngineOptions(cfg *config.Config) crypto.Options {
	return crypto.Options{
		Algorithm: cfg.Crypto.Algorithm,
		Signer:    cfg.Crypto.Signer,
	}
}

// BuildPolicy converts the configuration and the loaded per-usage policy
// files into a lifecycle policy. pm may be nil.
func BuildPolicy(cfg *config.Config, pm *config.PolicyManager) (lifecycle.Policy, error) {
	level, err := crypto.ParseSecurityLevel(cfg.Crypto.DefaultLevel)
	if err != nil {
		return lifecycle.Policy{}, err
	}

	p := lifecycle.Policy{
		DefaultLevel:        level,
		MaintenanceInterval: cfg.Keys.MaintenanceInterval,
		GracePeriod:         cfg.Keys.GracePeriod,
		ThreatThreshold:     cfg.Keys.ThreatThreshold,
		SessionRotation:     cfg.Keys.SessionRotation,
		Backup: lifecycle.BackupPolicy{
			Enabled:  cfg.Backup.Enabled,
			Interval: cfg.Backup.Interval,
			Copies:   cfg.Backup.Copies,
			Offsite:  cfg.Backup.Offsite,
			Retry: lifecycle.RetryPolicy{
				MaxAttempts:     cfg.Backup.Retry.MaxAttempts,
				InitialInterval: cfg.Backup.Retry.InitialInterval,
				MaxInterval:     cfg.Backup.Retry.MaxInterval,
			},
		},
	}

	if pm != nil {
		p.Overrides = make(map[keystore.Usage]lifecycle.UsagePolicy)
		for _, u := range keystore.Usages {
			pc := pm.GetPolicyForUsage(u.String())
			if pc == nil {
				continue
			}
			o := lifecycle.UsagePolicy{
				RotationInterval: pc.RotationInterval,
				MaxKeyAge:        pc.MaxKeyAge,
				MaxUsage:         pc.MaxUsage,
				AllowExport:      pc.AllowExport,
				Algorithm:        pc.Algorithm,
			}
			if pc.Level != "" {
				if o.Level, err = crypto.ParseSecurityLevel(pc.Level); err != nil {
					return lifecycle.Policy{}, fmt.Errorf("policy %s: %w", pc.ID, err)
				}
			}
			p.Overrides[u] = o
		}
	}

	if err := p.Validate(); err != nil {
		return lifecycle.Policy{}, err
	}
	return p, nil
}

// BootstrapUsages parses the usages that get a key at startup.
func BootstrapUsages(cfg *config.Config) ([]keystore.Usage, error) {
	out := make([]keystore.Usage, 0, len(cfg.Keys.Bootstrap))
	for _, name := range cfg.Keys.Bootstrap {
		u, err := keystore.ParseUsage(name)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
