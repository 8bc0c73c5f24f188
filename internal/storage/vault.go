package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/config"
)

// Vault stores blobs in a KV version 2 secrets engine. Binary content is
// base64 encoded into the "content" field.
type Vault struct {
	client    *api.Client
	mountPath string
	dataPath  string
	address   string
	logger    logrus.FieldLogger
}

// NewVault creates a Vault backend authenticated with a token.
func NewVault(cfg config.VaultConfig, logger logrus.FieldLogger) (*Vault, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	vc := api.DefaultConfig()
	vc.Address = cfg.Address
	vc.Timeout = timeout

	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &Vault{
		client:    client,
		mountPath: strings.Trim(cfg.MountPath, "/"),
		dataPath:  strings.Trim(cfg.DataPath, "/"),
		address:   cfg.Address,
		logger:    logger.WithField("backend", "vault"),
	}, nil
}

func (b *Vault) Name() string {
	return fmt.Sprintf("vault://%s/%s/%s", b.address, b.mountPath, b.dataPath)
}

func (b *Vault) path(name string) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/data/%s", b.mountPath, name)
	}
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, name)
}

func (b *Vault) LoadBlob(ctx context.Context, name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	path := b.path(name)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.logger.WithError(err).WithField("path", path).Warn("Failed to read from Vault")
		return nil, unavailable("vault", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, unavailable("vault", name, fmt.Errorf("invalid data format in Vault response"))
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, unavailable("vault", name, fmt.Errorf("content key not found in Vault data"))
	}

	blob, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, unavailable("vault", name, fmt.Errorf("invalid content encoding: %w", err))
	}
	return blob, nil
}

func (b *Vault) SaveBlob(ctx context.Context, name string, data []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	path := b.path(name)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}
	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.logger.WithError(err).WithField("path", path).Warn("Failed to write to Vault")
		return unavailable("vault", name, err)
	}

	b.logger.WithFields(logrus.Fields{
		"path": path,
		"size": len(data),
	}).Debug("Stored blob")
	return nil
}
