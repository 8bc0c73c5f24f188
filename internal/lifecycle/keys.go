package lifecycle

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keyerr"
	"github.com/kenneth/field-keyguard/internal/keystore"
)

var errRotationLost = errors.New("key was rotated concurrently")

// newMaterial generates fresh key material for usage and returns it with
// the algorithm that consumes it. The caller wipes the material.
func (m *Manager) newMaterial(u keystore.Usage, p keyParams) ([]byte, string, error) {
	switch u {
	case keystore.UsageDataEncryption, keystore.UsageBackup:
		alg := p.algorithm
		if alg == "" {
			alg = m.engine.Algorithm()
		}
		if !crypto.IsAlgorithmSupported(alg) {
			return nil, "", fmt.Errorf("%w: unsupported algorithm %s", keyerr.ErrInvalidParameters, alg)
		}
		material := make([]byte, crypto.ClassicalKeySize+p.level.Params().ForwardSize)
		if err := m.engine.GenerateRandom(material); err != nil {
			return nil, "", err
		}
		return material, alg, nil

	case keystore.UsageSignature:
		kp, err := m.engine.GenerateKeyPair(p.level)
		if err != nil {
			return nil, "", err
		}
		return kp.Private, kp.Scheme, nil

	case keystore.UsageAuthentication, keystore.UsageIntegrity:
		kp, err := m.engine.GenerateKeyPairFor(crypto.SignerHashChain, p.level)
		if err != nil {
			return nil, "", err
		}
		return kp.Private, kp.Scheme, nil

	case keystore.UsageKeyExchange:
		seed, _, err := m.engine.GenerateExchangeKey()
		if err != nil {
			return nil, "", err
		}
		return seed, crypto.AlgorithmMLKEM768, nil
	}
	return nil, "", fmt.Errorf("%w: unknown usage %d", keyerr.ErrInvalidParameters, u)
}

// materialSize returns the expected material length for a key.
func materialSize(u keystore.Usage, level crypto.SecurityLevel, alg string) int {
	switch {
	case u.CanEncrypt():
		return crypto.ClassicalKeySize + level.Params().ForwardSize
	case u == keystore.UsageKeyExchange:
		return crypto.ExchangeSeedSize
	case alg == crypto.SignerMLDSA65:
		return crypto.MLDSASeedSize
	default:
		return level.Params().SignatureSize
	}
}

// buildEntry creates a sealed ACTIVE entry. It takes no store lock.
func (m *Manager) buildEntry(u keystore.Usage, family uuid.UUID, version uint32, p keyParams, material []byte, alg string) (*keystore.Entry, error) {
	id, err := m.newID()
	if err != nil {
		return nil, err
	}
	now := m.now()
	meta := keystore.Metadata{
		ID:               id.String(),
		Family:           family,
		Version:          version,
		Usage:            u,
		Status:           keystore.StatusActive,
		Level:            p.level,
		CreatedAt:        now,
		ExpiresAt:        now.Add(p.maxKeyAge),
		RotationInterval: p.rotationInterval,
		MaxUsage:         p.maxUsage,
		AllowExport:      p.allowExport,
		Algorithm:        alg,
	}
	return m.store.NewEntry(meta, material)
}

// GenerateKey creates an ACTIVE key. It becomes the usage's current key
// when the usage has none.
func (m *Manager) GenerateKey(u keystore.Usage, opts KeyOptions) (string, error) {
	const op = "generate key"
	if !u.Valid() {
		return "", keyerr.E(op, "", fmt.Errorf("%w: unknown usage", keyerr.ErrInvalidParameters))
	}
	if opts.Level != 0 && !opts.Level.Valid() {
		return "", keyerr.E(op, "", fmt.Errorf("%w: unknown security level", keyerr.ErrInvalidParameters))
	}

	p := m.Policy().resolve(u, opts)
	family, err := m.newID()
	if err != nil {
		return "", err
	}

	material, alg, err := m.newMaterial(u, p)
	if err != nil {
		return "", keyerr.E(op, "", err)
	}
	entry, err := m.buildEntry(u, family, 1, p, material, alg)
	crypto.SecureWipe(material)
	if err != nil {
		return "", err
	}

	id := entry.Meta.ID
	becameCurrent := false
	err = m.store.Update(func(tx *keystore.Tx) error {
		if err := tx.Put(entry); err != nil {
			return err
		}
		if _, ok := tx.Current(u); !ok {
			becameCurrent = true
			return tx.SetCurrent(u, id)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	m.stats.created.Inc()
	m.dirty.Store(true)
	m.logger.WithFields(logrus.Fields{
		"key_id":  id,
		"usage":   u.String(),
		"level":   p.level.String(),
		"current": becameCurrent,
	}).Info("Key generated")
	m.emit(Event{Type: EventGenerated, KeyID: id, Usage: u})
	return id, nil
}

// RotateKey replaces an ACTIVE key with a new version of the same family.
// The old key becomes DEPRECATED and stays usable for decryption.
func (m *Manager) RotateKey(id string) (string, error) {
	return m.rotate(id, "manual", false)
}

func (m *Manager) rotate(id, reason string, automatic bool) (string, error) {
	const op = "rotate key"

	var old keystore.Metadata
	err := m.store.View(func(tx *keystore.Tx) error {
		var err error
		old, err = tx.Meta(id)
		return err
	})
	if err != nil {
		return "", err
	}
	if old.Status != keystore.StatusActive {
		return "", keyerr.E(op, id, keyerr.ErrKeyInvalidState)
	}

	// Inherit the old key's limits so per-key settings survive rotation.
	p := keyParams{
		level:            old.Level,
		rotationInterval: old.RotationInterval,
		maxKeyAge:        old.ExpiresAt.Sub(old.CreatedAt),
		maxUsage:         old.MaxUsage,
		allowExport:      old.AllowExport,
		algorithm:        old.Algorithm,
	}
	material, alg, err := m.newMaterial(old.Usage, p)
	if err != nil {
		return "", keyerr.E(op, id, err)
	}
	entry, err := m.buildEntry(old.Usage, old.Family, old.Version+1, p, material, alg)
	crypto.SecureWipe(material)
	if err != nil {
		return "", err
	}
	newID := entry.Meta.ID

	err = m.store.Update(func(tx *keystore.Tx) error {
		cur, err := tx.Meta(id)
		if err != nil {
			return err
		}
		if cur.Status != keystore.StatusActive {
			return keyerr.E(op, id, fmt.Errorf("%w: %w", keyerr.ErrKeyInvalidState, errRotationLost))
		}
		wasCurrent := false
		if cid, ok := tx.Current(old.Usage); !ok || cid == id {
			wasCurrent = true
		}
		if err := tx.Put(entry); err != nil {
			return err
		}
		if err := tx.SetStatus(id, keystore.StatusDeprecated); err != nil {
			return err
		}
		if wasCurrent {
			return tx.SetCurrent(old.Usage, newID)
		}
		return nil
	})
	if err != nil {
		crypto.SecureWipe(entry.Sealed)
		return "", err
	}

	m.stats.rotated.Inc()
	m.dirty.Store(true)
	m.logger.WithFields(logrus.Fields{
		"key_id":     id,
		"new_key_id": newID,
		"usage":      old.Usage.String(),
		"version":    old.Version + 1,
		"reason":     reason,
		"automatic":  automatic,
	}).Info("Key rotated")
	m.emit(Event{Type: EventRotated, KeyID: id, NewKeyID: newID, Usage: old.Usage, Reason: reason, Automatic: automatic})
	return newID, nil
}

// RevokeKey moves a non-terminal key to REVOKED. With wipe set the entry is
// destroyed. Either way a tombstone records the revocation, so later lookups
// report it and a restore from an older backup cannot bring the key back.
func (m *Manager) RevokeKey(id, reason string, wipe bool) error {
	const op = "revoke key"

	var usage keystore.Usage
	err := m.store.Update(func(tx *keystore.Tx) error {
		meta, err := tx.Meta(id)
		if err != nil {
			return err
		}
		if meta.Status.Terminal() {
			return keyerr.E(op, id, keyerr.ErrKeyInvalidState)
		}
		usage = meta.Usage
		if wipe {
			err = tx.Remove(id)
		} else {
			err = tx.SetStatus(id, keystore.StatusRevoked)
		}
		if err != nil {
			return err
		}
		return tx.AddTombstone(id, reason, m.now())
	})
	if err != nil {
		return err
	}

	m.stats.revoked.Inc()
	m.dirty.Store(true)
	m.logger.WithFields(logrus.Fields{
		"key_id": id,
		"usage":  usage.String(),
		"reason": reason,
		"wiped":  wipe,
	}).Warn("Key revoked")
	m.emit(Event{Type: EventRevoked, KeyID: id, Usage: usage, Reason: reason})
	return nil
}

// MarkCompromised handles a suspected compromise of id: the key becomes
// COMPROMISED, every other ACTIVE key of its family is rotated, a fresh key
// takes over the usage when id was current, and id is finally revoked and
// wiped. It returns the ID now serving the usage.
func (m *Manager) MarkCompromised(id, reason string) (string, error) {
	const op = "mark compromised"

	var meta keystore.Metadata
	var wasCurrent bool
	err := m.store.Update(func(tx *keystore.Tx) error {
		var err error
		meta, err = tx.Meta(id)
		if err != nil {
			return err
		}
		if meta.Status.Terminal() || meta.Status == keystore.StatusCompromised {
			return keyerr.E(op, id, keyerr.ErrKeyInvalidState)
		}
		cid, ok := tx.Current(meta.Usage)
		wasCurrent = ok && cid == id
		return tx.SetStatus(id, keystore.StatusCompromised)
	})
	if err != nil {
		return "", err
	}

	m.stats.compromised.Inc()
	m.dirty.Store(true)
	m.logger.WithFields(logrus.Fields{
		"key_id": id,
		"usage":  meta.Usage.String(),
		"reason": reason,
	}).Error("Key marked compromised")
	m.emit(Event{Type: EventCompromised, KeyID: id, Usage: meta.Usage, Reason: reason})

	var dependents []keystore.Metadata
	_ = m.store.View(func(tx *keystore.Tx) error {
		dependents = tx.List(func(md keystore.Metadata) bool {
			return md.Family == meta.Family && md.ID != id && md.Status == keystore.StatusActive
		})
		return nil
	})

	var errs []error
	for _, dep := range dependents {
		if _, err := m.rotate(dep.ID, "family compromised", true); err != nil && !errors.Is(err, errRotationLost) {
			errs = append(errs, err)
		}
	}

	if wasCurrent {
		if _, err := m.GenerateKey(meta.Usage, KeyOptions{
			Level:            meta.Level,
			RotationInterval: meta.RotationInterval,
			MaxKeyAge:        meta.ExpiresAt.Sub(meta.CreatedAt),
			MaxUsage:         meta.MaxUsage,
			AllowExport:      meta.AllowExport,
			Algorithm:        encryptionAlgorithm(meta),
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if err := m.RevokeKey(id, "compromised: "+reason, true); err != nil {
		errs = append(errs, err)
	}

	var current string
	_ = m.store.View(func(tx *keystore.Tx) error {
		current, _ = tx.Current(meta.Usage)
		return nil
	})
	if len(errs) > 0 {
		return current, keyerr.E(op, id, errors.Join(errs...))
	}
	return current, nil
}

func encryptionAlgorithm(meta keystore.Metadata) string {
	if meta.Usage.CanEncrypt() {
		return meta.Algorithm
	}
	return ""
}

// ListFilter selects keys for ListKeys. Zero fields match everything.
type ListFilter struct {
	Usage  keystore.Usage
	Status keystore.Status
}

// ListKeys returns the metadata of matching keys, oldest first.
func (m *Manager) ListKeys(f ListFilter) []keystore.Metadata {
	var out []keystore.Metadata
	_ = m.store.View(func(tx *keystore.Tx) error {
		out = tx.List(func(md keystore.Metadata) bool {
			return (f.Usage == 0 || md.Usage == f.Usage) && (f.Status == 0 || md.Status == f.Status)
		})
		return nil
	})
	return out
}

// KeyInfo returns a key's metadata. Revoked-and-wiped keys report
// ErrKeyInvalidState.
func (m *Manager) KeyInfo(id string) (keystore.Metadata, error) {
	var meta keystore.Metadata
	err := m.store.View(func(tx *keystore.Tx) error {
		var err error
		meta, err = tx.Meta(id)
		return err
	})
	return meta, err
}

// Current returns the key serving new requests for u.
func (m *Manager) Current(u keystore.Usage) (string, bool) {
	var id string
	var ok bool
	_ = m.store.View(func(tx *keystore.Tx) error {
		id, ok = tx.Current(u)
		return nil
	})
	return id, ok
}

// GetKey returns the plaintext material of an ACTIVE or DEPRECATED key
// after verifying its checksum. The caller must wipe the material.
func (m *Manager) GetKey(id string) ([]byte, keystore.Metadata, error) {
	return m.unseal("get key", id, nil)
}
