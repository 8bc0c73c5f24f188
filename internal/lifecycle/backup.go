package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keyerr"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/storage"
)

const (
	// SnapshotBlob holds the whole store for power-loss recovery.
	SnapshotBlob = "keystore.bin"
	// LatestBackupBlob names the most recent backup generation.
	LatestBackupBlob = "backup.latest"
	// SaltBlob holds the salt of a passphrase-derived master key.
	SaltBlob = "master.salt"
)

// BackupName returns the blob name of backup generation gen.
func BackupName(gen uint64, copies int) string {
	if copies < 1 {
		copies = 1
	}
	return fmt.Sprintf("backup-%d.bin", gen%uint64(copies))
}

// BackupAllKeys snapshots the store and writes it to the next backup
// generation in primary storage, and to offsite storage when the policy
// asks for it. The store lock is held only while snapshotting. A failure is
// counted by the caller through RecordFailure, not here.
func (m *Manager) BackupAllKeys(ctx context.Context) (string, error) {
	const op = "backup"
	if m.primary == nil {
		return "", keyerr.E(op, "", fmt.Errorf("%w: no storage configured", keyerr.ErrNotInitialized))
	}
	policy := m.Policy()

	blob, err := m.store.Snapshot()
	if err != nil {
		return "", keyerr.E(op, "", err)
	}

	gen := m.backupGen.Inc()
	name := BackupName(gen, policy.Backup.Copies)
	log := m.logger.WithFields(logrus.Fields{
		"blob":       name,
		"generation": gen,
		"size":       len(blob),
	})

	targets := []storage.Storage{m.primary}
	if policy.Backup.Offsite && m.offsite != nil {
		targets = append(targets, m.offsite)
	}
	for _, target := range targets {
		if err := m.saveWithRetry(ctx, target, name, blob, policy.Backup.Retry); err != nil {
			log.WithError(err).WithField("target", storage.NameOf(target)).Error("Backup failed")
			m.emit(Event{Type: EventBackup, Reason: name, Err: err})
			return "", keyerr.E(op, "", err)
		}
		if err := m.saveWithRetry(ctx, target, LatestBackupBlob, []byte(name), policy.Backup.Retry); err != nil {
			log.WithError(err).Error("Failed to update latest backup pointer")
			m.emit(Event{Type: EventBackup, Reason: name, Err: err})
			return "", keyerr.E(op, "", err)
		}
	}

	m.stats.backups.Inc()
	m.lastBackup.Store(m.now())
	log.WithField("targets", len(targets)).Info("Backup completed")
	m.emit(Event{Type: EventBackup, Reason: name})
	return name, nil
}

// RestoreFromBackup replaces the store with a backup. An empty name picks
// the latest generation. Entries failing integrity verification are
// dropped, never partially trusted, and keys revoked since the backup was
// taken stay revoked.
func (m *Manager) RestoreFromBackup(ctx context.Context, name string) (keystore.RestoreResult, error) {
	const op = "restore"
	if m.primary == nil {
		return keystore.RestoreResult{}, keyerr.E(op, "", fmt.Errorf("%w: no storage configured", keyerr.ErrNotInitialized))
	}
	src := storage.NewReplicated(m.logger, m.primary, m.offsite)

	if name == "" {
		latest, err := src.LoadBlob(ctx, LatestBackupBlob)
		if err != nil {
			return keystore.RestoreResult{}, keyerr.E(op, "", storageErr(err))
		}
		name = strings.TrimSpace(string(latest))
	}

	blob, err := src.LoadBlob(ctx, name)
	if err != nil {
		return keystore.RestoreResult{}, keyerr.E(op, name, storageErr(err))
	}

	res, err := m.restore(blob)
	if err != nil {
		return res, keyerr.E(op, name, err)
	}
	m.dirty.Store(true)

	m.logger.WithFields(logrus.Fields{
		"blob":     name,
		"restored": res.Restored,
		"dropped":  len(res.Dropped),
		"revoked":  len(res.Revoked),
	}).Info("Restored from backup")
	m.emit(Event{Type: EventRestore, Reason: name})
	return res, nil
}

func (m *Manager) restore(blob []byte) (keystore.RestoreResult, error) {
	res, err := m.store.Restore(blob)
	if err != nil {
		return res, err
	}
	for _, id := range res.Dropped {
		m.stats.integrityFailures.Inc()
		m.logger.WithField("key_id", id).Error("Dropped entry failing integrity verification")
		m.emit(Event{Type: EventIntegrityFailure, KeyID: id, Reason: "restore", Err: keyerr.ErrIntegrityFailure})
	}
	for _, id := range res.Revoked {
		m.logger.WithField("key_id", id).Warn("Skipped revoked key in restore")
	}
	return res, nil
}

// Persist writes the whole store to primary storage.
func (m *Manager) Persist(ctx context.Context) error {
	const op = "persist"
	if m.primary == nil {
		return nil
	}

	// Clear first so a mutation racing with the write marks it dirty again.
	m.dirty.Store(false)
	blob, err := m.store.Snapshot()
	if err != nil {
		m.dirty.Store(true)
		return keyerr.E(op, "", err)
	}
	if err := m.saveWithRetry(ctx, m.primary, SnapshotBlob, blob, m.Policy().Backup.Retry); err != nil {
		m.dirty.Store(true)
		m.stats.failedOps.Inc()
		return keyerr.E(op, "", err)
	}

	m.logger.WithField("size", len(blob)).Debug("Key store persisted")
	return nil
}

// Load restores the store from the persisted snapshot. A missing snapshot
// is a fresh device and not an error. It also resumes the backup
// generation counter.
func (m *Manager) Load(ctx context.Context) (keystore.RestoreResult, error) {
	const op = "load"
	if m.primary == nil {
		return keystore.RestoreResult{}, nil
	}

	if latest, err := m.primary.LoadBlob(ctx, LatestBackupBlob); err == nil {
		m.backupGen.Store(parseGeneration(string(latest)))
	}

	blob, err := m.primary.LoadBlob(ctx, SnapshotBlob)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Info("No persisted key store found, starting empty")
		return keystore.RestoreResult{}, nil
	}
	if err != nil {
		return keystore.RestoreResult{}, keyerr.E(op, "", storageErr(err))
	}

	res, err := m.restore(blob)
	if err != nil {
		return res, keyerr.E(op, "", err)
	}
	m.logger.WithFields(logrus.Fields{
		"restored": res.Restored,
		"dropped":  len(res.Dropped),
	}).Info("Key store loaded")
	return res, nil
}

// MasterSalt returns the persisted master-key salt, creating and saving a
// new one on first boot.
func MasterSalt(ctx context.Context, s storage.Storage, engine *crypto.Engine) ([]byte, error) {
	salt, err := s.LoadBlob(ctx, SaltBlob)
	switch {
	case err == nil:
		if len(salt) != keystore.SaltSize {
			return nil, keyerr.E("master salt", "", fmt.Errorf("%w: stored salt has %d bytes", keyerr.ErrIntegrityFailure, len(salt)))
		}
		return salt, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, keyerr.E("master salt", "", storageErr(err))
	}

	salt = make([]byte, keystore.SaltSize)
	if err := engine.GenerateRandom(salt); err != nil {
		return nil, err
	}
	if err := s.SaveBlob(ctx, SaltBlob, salt); err != nil {
		return nil, keyerr.E("master salt", "", storageErr(err))
	}
	return salt, nil
}

// saveWithRetry writes blob with exponential backoff. Invalid names are
// permanent failures; everything else is retried up to the policy budget.
func (m *Manager) saveWithRetry(ctx context.Context, s storage.Storage, name string, blob []byte, rp RetryPolicy) error {
	b := backoff.NewExponentialBackOff()
	if rp.InitialInterval > 0 {
		b.InitialInterval = rp.InitialInterval
	}
	if rp.MaxInterval > 0 {
		b.MaxInterval = rp.MaxInterval
	}
	attempts := rp.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.SaveBlob(ctx, name, blob)
		if errors.Is(err, keyerr.ErrInvalidParameters) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"blob":  name,
				"retry": next.String(),
			}).Warn("Storage write failed, retrying")
		}),
	)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func storageErr(err error) error {
	if errors.Is(err, keyerr.ErrStorageUnavailable) || errors.Is(err, keyerr.ErrInvalidParameters) || errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", keyerr.ErrStorageUnavailable, err)
}

func parseGeneration(name string) uint64 {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(strings.TrimPrefix(name, "backup-"), ".bin")
	n, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
