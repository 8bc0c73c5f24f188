package service

import (
	"context"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/lifecycle"
)

// Ciphertext is an encryption result. KeyID names the key that actually
// served the request, which differs from the requested key after an
// automatic rotation. Decrypt needs it.
type Ciphertext struct {
	KeyID string `json:"key_id"`
	Data  []byte `json:"data"`
}

// Signature is a signing result.
type Signature struct {
	KeyID string `json:"key_id"`
	Data  []byte `json:"data"`
}

// KeyHandle gives scoped access to raw key material held in locked
// memory. Callers must Destroy it.
type KeyHandle struct {
	Meta keystore.Metadata
	buf  *memguard.LockedBuffer
}

// Bytes returns the material. The slice is invalid after Destroy.
func (h *KeyHandle) Bytes() []byte {
	if h == nil || h.buf == nil {
		return nil
	}
	return h.buf.Bytes()
}

// Destroy wipes and releases the material. It is safe to call twice.
func (h *KeyHandle) Destroy() {
	if h == nil || h.buf == nil {
		return
	}
	h.buf.Destroy()
	h.buf = nil
}

// describe fills c with the metadata of id without failing the call.
func (s *Service) describe(c *call, id string) {
	if meta, err := s.mgr.KeyInfo(id); err == nil {
		c.metadata(meta)
	} else {
		c.key(id)
	}
}

// GenerateKey creates a key for usage at level. A zero level uses the
// policy default.
func (s *Service) GenerateKey(ctx context.Context, usage keystore.Usage, level crypto.SecurityLevel) (string, error) {
	return s.GenerateKeyWith(ctx, usage, lifecycle.KeyOptions{Level: level})
}

// GenerateKeyWith creates a key with explicit per-key limits.
func (s *Service) GenerateKeyWith(ctx context.Context, usage keystore.Usage, opts lifecycle.KeyOptions) (string, error) {
	_, c := s.begin(ctx, "generate_key", false, usageAttr(usage))
	c.usage = usage.String()
	id, err := s.mgr.GenerateKey(usage, opts)
	c.key(id)
	return id, c.end(err)
}

// GetKey returns a handle on the raw material of an ACTIVE or DEPRECATED
// key.
func (s *Service) GetKey(ctx context.Context, id string) (*KeyHandle, error) {
	_, c := s.begin(ctx, "get_key", true)
	c.key(id)
	material, meta, err := s.mgr.GetKey(id)
	if err != nil {
		return nil, c.end(err)
	}
	c.metadata(meta)
	// NewBufferFromBytes wipes material.
	h := &KeyHandle{Meta: meta, buf: memguard.NewBufferFromBytes(material)}
	return h, c.end(nil)
}

// WithKey runs fn with the material of id and destroys it afterwards.
func (s *Service) WithKey(ctx context.Context, id string, fn func(material []byte, meta keystore.Metadata) error) error {
	h, err := s.GetKey(ctx, id)
	if err != nil {
		return err
	}
	defer h.Destroy()
	return fn(h.Bytes(), h.Meta)
}

// Encrypt encrypts plaintext with id, or with its successor when id has
// been rotated.
func (s *Service) Encrypt(ctx context.Context, id string, plaintext []byte) (Ciphertext, error) {
	_, c := s.begin(ctx, "encrypt", true)
	c.key(id)
	c.bytes = len(plaintext)
	usedID, ct, err := s.mgr.Encrypt(id, plaintext)
	if err != nil {
		return Ciphertext{}, c.end(err)
	}
	s.describe(c, usedID)
	return Ciphertext{KeyID: usedID, Data: ct}, c.end(nil)
}

// EncryptFor encrypts with the current key of usage, creating one when the
// usage has none.
func (s *Service) EncryptFor(ctx context.Context, usage keystore.Usage, plaintext []byte) (Ciphertext, error) {
	_, c := s.begin(ctx, "encrypt", true, usageAttr(usage))
	c.usage = usage.String()
	c.bytes = len(plaintext)
	usedID, ct, err := s.mgr.EncryptFor(usage, plaintext)
	if err != nil {
		return Ciphertext{}, c.end(err)
	}
	s.describe(c, usedID)
	return Ciphertext{KeyID: usedID, Data: ct}, c.end(nil)
}

// Decrypt decrypts data produced under id.
func (s *Service) Decrypt(ctx context.Context, id string, data []byte) ([]byte, error) {
	_, c := s.begin(ctx, "decrypt", true)
	s.describe(c, id)
	c.bytes = len(data)
	pt, err := s.mgr.Decrypt(id, data)
	return pt, c.end(err)
}

// Sign signs message with id, or with its successor when id has been
// rotated.
func (s *Service) Sign(ctx context.Context, id string, message []byte) (Signature, error) {
	_, c := s.begin(ctx, "sign", true)
	c.key(id)
	c.bytes = len(message)
	usedID, sig, err := s.mgr.Sign(id, message)
	if err != nil {
		return Signature{}, c.end(err)
	}
	s.describe(c, usedID)
	return Signature{KeyID: usedID, Data: sig}, c.end(nil)
}

// SignFor signs with the current key of usage.
func (s *Service) SignFor(ctx context.Context, usage keystore.Usage, message []byte) (Signature, error) {
	_, c := s.begin(ctx, "sign", true, usageAttr(usage))
	c.usage = usage.String()
	c.bytes = len(message)
	usedID, sig, err := s.mgr.SignFor(usage, message)
	if err != nil {
		return Signature{}, c.end(err)
	}
	s.describe(c, usedID)
	return Signature{KeyID: usedID, Data: sig}, c.end(nil)
}

// Verify checks signature over message with id. A mismatch is
// (false, nil).
func (s *Service) Verify(ctx context.Context, id string, message, signature []byte) (bool, error) {
	_, c := s.begin(ctx, "verify", true)
	s.describe(c, id)
	c.bytes = len(message)
	ok, err := s.mgr.Verify(id, message, signature)
	c.span.SetAttributes(attribute.Bool("keyguard.valid", ok))
	return ok, c.end(err)
}

// PublicKey returns the public half of a signature or key-exchange key.
func (s *Service) PublicKey(ctx context.Context, id string) ([]byte, keystore.Metadata, error) {
	_, c := s.begin(ctx, "public_key", true)
	c.key(id)
	pub, meta, err := s.mgr.PublicKey(id)
	if err == nil {
		c.metadata(meta)
	}
	return pub, meta, c.end(err)
}

// Decapsulate recovers a shared secret encapsulated to a KeyExchange key.
func (s *Service) Decapsulate(ctx context.Context, id string, ciphertext []byte) ([]byte, error) {
	_, c := s.begin(ctx, "decapsulate", true)
	s.describe(c, id)
	shared, err := s.mgr.Decapsulate(id, ciphertext)
	return shared, c.end(err)
}

// SessionPublicKey returns the engine's current session encapsulation key.
func (s *Service) SessionPublicKey(ctx context.Context) ([]byte, error) {
	_, c := s.begin(ctx, "session_public_key", true)
	pub, err := s.mgr.Engine().SessionPublicKey()
	return pub, c.end(err)
}

// DecapsulateSession recovers a secret sent to the session key.
func (s *Service) DecapsulateSession(ctx context.Context, ciphertext []byte) ([]byte, error) {
	_, c := s.begin(ctx, "decapsulate_session", true)
	shared, err := s.mgr.Engine().DecapsulateSession(ciphertext)
	return shared, c.end(err)
}

// RotateKey rotates id and returns the new key ID.
func (s *Service) RotateKey(ctx context.Context, id string) (string, error) {
	_, c := s.begin(ctx, "rotate_key", false)
	s.describe(c, id)
	newID, err := s.mgr.RotateKey(id)
	if err == nil {
		c.span.SetAttributes(attribute.String("keyguard.new_key_id", newID))
	}
	return newID, c.end(err)
}

// RevokeKey revokes id. With wipe set the material is destroyed.
func (s *Service) RevokeKey(ctx context.Context, id, reason string, wipe bool) error {
	_, c := s.begin(ctx, "revoke_key", false, attribute.Bool("keyguard.wipe", wipe))
	s.describe(c, id)
	return c.end(s.mgr.RevokeKey(id, reason, wipe))
}

// MarkCompromised handles a suspected compromise of id and returns the key
// now serving its usage.
func (s *Service) MarkCompromised(ctx context.Context, id, reason string) (string, error) {
	_, c := s.begin(ctx, "mark_compromised", false)
	s.describe(c, id)
	current, err := s.mgr.MarkCompromised(id, reason)
	return current, c.end(err)
}

// ExportKey seals id under passphrase for transport to another node.
func (s *Service) ExportKey(ctx context.Context, id string, passphrase []byte) ([]byte, error) {
	_, c := s.begin(ctx, "export_key", false)
	s.describe(c, id)
	blob, err := s.mgr.ExportKey(id, passphrase)
	return blob, c.end(err)
}

// ImportKey creates a local key from an export blob.
func (s *Service) ImportKey(ctx context.Context, blob, passphrase []byte, opts lifecycle.ImportOptions) (string, error) {
	_, c := s.begin(ctx, "import_key", false)
	id, err := s.mgr.ImportKey(blob, passphrase, opts)
	c.key(id)
	return id, c.end(err)
}

// KeyInfo returns the metadata of id.
func (s *Service) KeyInfo(ctx context.Context, id string) (keystore.Metadata, error) {
	_, c := s.begin(ctx, "key_info", false)
	c.key(id)
	meta, err := s.mgr.KeyInfo(id)
	return meta, c.end(err)
}

// ListKeys returns metadata of the keys matching f.
func (s *Service) ListKeys(ctx context.Context, f lifecycle.ListFilter) []keystore.Metadata {
	_, span := s.tracer.Start(ctx, "keyguard.list_keys")
	defer span.End()
	keys := s.mgr.ListKeys(f)
	span.SetAttributes(attribute.Int("keyguard.count", len(keys)))
	return keys
}

// GetStatistics returns the manager counters and refreshes the key gauges.
func (s *Service) GetStatistics(ctx context.Context) lifecycle.Stats {
	_, span := s.tracer.Start(ctx, "keyguard.statistics")
	defer span.End()
	stats := s.mgr.Statistics()
	if s.metrics != nil {
		s.metrics.SetKeyCounts(stats.ByStatus)
	}
	return stats
}

// Backup writes a backup generation and returns its blob name.
func (s *Service) Backup(ctx context.Context) (string, error) {
	ctx, c := s.begin(ctx, "backup", false)
	name, err := s.mgr.BackupAllKeys(ctx)
	if err == nil {
		c.span.SetAttributes(attribute.String("keyguard.blob", name))
	}
	return name, c.end(err)
}

// Restore replaces the key table with a backup. An empty name picks the
// latest generation.
func (s *Service) Restore(ctx context.Context, name string) (keystore.RestoreResult, error) {
	ctx, c := s.begin(ctx, "restore", false)
	res, err := s.mgr.RestoreFromBackup(ctx, name)
	c.span.SetAttributes(
		attribute.Int("keyguard.restored", res.Restored),
		attribute.Int("keyguard.dropped", len(res.Dropped)),
		attribute.Int("keyguard.skipped_revoked", len(res.Revoked)),
	)
	return res, c.end(err)
}
