package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/config"
	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/lifecycle"
	"github.com/kenneth/field-keyguard/internal/service"
	"github.com/kenneth/field-keyguard/internal/storage"
)

// openStorage returns the primary store and the offsite store, which is
// nil when no offsite backend is configured.
func openStorage(cfg *config.Config, logger logrus.FieldLogger) (storage.Storage, storage.Storage, error) {
	var primary storage.Storage
	switch cfg.Storage.Backend {
	case "memory":
		primary = storage.NewMemory()
	case "file", "":
		f, err := storage.NewFile(cfg.Storage.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open key storage: %w", err)
		}
		primary = f
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}

	var offsite storage.Storage
	switch cfg.Storage.Offsite.Backend {
	case "":
	case "s3":
		s, err := storage.NewS3(cfg.Storage.Offsite.S3, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create s3 offsite storage: %w", err)
		}
		offsite = s
	case "vault":
		v, err := storage.NewVault(cfg.Storage.Offsite.Vault, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create vault offsite storage: %w", err)
		}
		offsite = v
	default:
		return nil, nil, fmt.Errorf("unsupported offsite backend: %s", cfg.Storage.Offsite.Backend)
	}

	return primary, offsite, nil
}

// masterKey derives the store master key from the configured passphrase
// and the persisted salt. Without a passphrase the key is random and
// persisted state cannot be read back after a restart.
func masterKey(ctx context.Context, cfg *config.Config, primary storage.Storage, engine *crypto.Engine) ([]byte, bool, error) {
	if cfg.Security.MasterPassphrase == "" {
		key, err := keystore.RandomMasterKey(engine)
		return key, false, err
	}

	salt, err := lifecycle.MasterSalt(ctx, primary, engine)
	if err != nil {
		return nil, false, err
	}
	key, err := keystore.DeriveMasterKey(engine, []byte(cfg.Security.MasterPassphrase), salt, cfg.Security.KDFIterations)
	return key, true, err
}

// loadPolicy reads the per-usage policy files and builds the lifecycle policy.
func loadPolicy(cfg *config.Config) (lifecycle.Policy, error) {
	pm := config.NewPolicyManager()
	if len(cfg.Keys.PolicyFiles) > 0 {
		if err := pm.LoadPolicies(cfg.Keys.PolicyFiles); err != nil {
			return lifecycle.Policy{}, fmt.Errorf("failed to load key policies: %w", err)
		}
	}
	return service.BuildPolicy(cfg, pm)
}

// policyReloader applies reloaded configuration to the running manager.
func policyReloader(mgr *lifecycle.Manager, logger logrus.FieldLogger) config.ReloadCallback {
	return func(_, next *config.Config) error {
		p, err := loadPolicy(next)
		if err != nil {
			return err
		}
		if err := mgr.UpdatePolicy(p); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"default_level":        p.DefaultLevel.String(),
			"maintenance_interval": p.MaintenanceInterval.String(),
			"overrides":            len(p.Overrides),
		}).Info("Key policy reloaded")
		return nil
	}
}
