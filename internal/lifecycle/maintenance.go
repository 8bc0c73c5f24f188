package lifecycle

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/keyerr"
	"github.com/kenneth/field-keyguard/internal/keystore"
)

// PerformAutoRotation rotates every ACTIVE key that has reached its usage
// limit, rotation interval, maximum age or threat threshold. It returns the
// number of keys rotated.
func (m *Manager) PerformAutoRotation() (int, error) {
	now := m.now()

	var due []keystore.Metadata
	var reasons []string
	_ = m.store.View(func(tx *keystore.Tx) error {
		for _, md := range tx.List(func(md keystore.Metadata) bool { return md.Status == keystore.StatusActive }) {
			if r := m.rotationReason(md, now); r != "" {
				due = append(due, md)
				reasons = append(reasons, r)
			}
		}
		return nil
	})

	rotated := 0
	var errs []error
	for i, md := range due {
		if _, err := m.rotate(md.ID, reasons[i], true); err != nil {
			if errors.Is(err, errRotationLost) {
				continue
			}
			m.stats.failedOps.Inc()
			errs = append(errs, err)
			continue
		}
		rotated++
	}
	return rotated, errors.Join(errs...)
}

// CleanExpiredKeys marks keys past their maximum age EXPIRED, rotating a
// current key first so its usage keeps a serving key. EXPIRED keys whose
// grace period has elapsed are wiped and removed. It returns the number of
// keys removed.
func (m *Manager) CleanExpiredKeys() (int, error) {
	now := m.now()
	grace := m.Policy().GracePeriod

	var overAge []keystore.Metadata
	_ = m.store.View(func(tx *keystore.Tx) error {
		overAge = tx.List(func(md keystore.Metadata) bool {
			return md.Status.Decryptable() && !now.Before(md.ExpiresAt)
		})
		return nil
	})

	var errs []error
	for _, md := range overAge {
		if md.Status == keystore.StatusActive {
			if _, err := m.rotate(md.ID, "maximum key age reached", true); err != nil && !errors.Is(err, errRotationLost) {
				errs = append(errs, err)
			}
		}
		changed := false
		err := m.store.Update(func(tx *keystore.Tx) error {
			cur, err := tx.Meta(md.ID)
			if err != nil {
				return err
			}
			if !cur.Status.Decryptable() {
				return nil
			}
			if err := tx.SetStatus(md.ID, keystore.StatusExpired); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil && !errors.Is(err, keyerr.ErrKeyNotFound) && !errors.Is(err, keyerr.ErrKeyInvalidState) {
			errs = append(errs, err)
			continue
		}
		if !changed {
			continue
		}
		m.dirty.Store(true)
		m.logger.WithFields(logrus.Fields{
			"key_id":     md.ID,
			"usage":      md.Usage.String(),
			"expired_at": md.ExpiresAt,
		}).Info("Key expired")
		m.emit(Event{Type: EventExpired, KeyID: md.ID, Usage: md.Usage})
	}

	var removed []keystore.Metadata
	err := m.store.Update(func(tx *keystore.Tx) error {
		for _, md := range tx.List(func(md keystore.Metadata) bool { return md.Status == keystore.StatusExpired }) {
			if now.Before(md.ExpiresAt.Add(grace)) {
				continue
			}
			if err := tx.Remove(md.ID); err != nil {
				return err
			}
			removed = append(removed, md)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}

	for _, md := range removed {
		m.stats.expired.Inc()
		m.logger.WithFields(logrus.Fields{
			"key_id": md.ID,
			"usage":  md.Usage.String(),
		}).Info("Expired key destroyed")
		m.emit(Event{Type: EventDestroyed, KeyID: md.ID, Usage: md.Usage, Reason: "expired"})
	}
	if len(removed) > 0 {
		m.dirty.Store(true)
	}
	if len(errs) > 0 {
		m.stats.failedOps.Add(uint64(len(errs)))
	}
	return len(removed), errors.Join(errs...)
}

// Run performs maintenance on the policy cadence until ctx is done or
// FlushAndSuspend is called. It rotates the session exchange key on start.
func (m *Manager) Run(ctx context.Context) error {
	m.loopMu.Lock()
	if m.running {
		m.loopMu.Unlock()
		return keyerr.E("run", "", errors.New("maintenance loop already running"))
	}
	if m.suspended.Load() {
		m.loopMu.Unlock()
		return keyerr.E("run", "", keyerr.ErrKeyInvalidState)
	}
	m.running = true
	m.stop = make(chan struct{})
	m.loopDone = make(chan struct{})
	stop, done := m.stop, m.loopDone
	m.loopMu.Unlock()

	defer func() {
		m.loopMu.Lock()
		m.running = false
		m.loopMu.Unlock()
		close(done)
	}()

	m.rotateSession()

	interval := m.Policy().MaintenanceInterval
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	m.logger.WithField("interval", interval.String()).Info("Key maintenance started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Key maintenance stopped")
			return nil
		case <-stop:
			m.logger.Info("Key maintenance suspended")
			return nil
		case <-ticker.C:
			m.Maintain(ctx)
			if next := m.Policy().MaintenanceInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Running reports whether the maintenance loop is active.
func (m *Manager) Running() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.running
}

// Suspended reports whether FlushAndSuspend was called without Resume.
func (m *Manager) Suspended() bool {
	return m.suspended.Load()
}

// Maintain runs one maintenance pass.
func (m *Manager) Maintain(ctx context.Context) {
	if n, err := m.PerformAutoRotation(); err != nil {
		m.logger.WithError(err).Warn("Automatic rotation failed")
	} else if n > 0 {
		m.logger.WithField("rotated", n).Info("Automatic rotation completed")
	}

	if n, err := m.CleanExpiredKeys(); err != nil {
		m.logger.WithError(err).Warn("Expiry sweep failed")
	} else if n > 0 {
		m.logger.WithField("removed", n).Info("Expiry sweep completed")
	}

	policy := m.Policy()
	if policy.SessionRotation > 0 && m.now().Sub(m.lastSession.Load()) >= policy.SessionRotation {
		m.rotateSession()
	}

	if policy.Backup.Enabled && m.primary != nil && m.now().Sub(m.lastBackup.Load()) >= policy.Backup.Interval {
		m.scheduledBackup(ctx)
	}

	if m.dirty.Load() {
		if err := m.Persist(ctx); err != nil {
			m.logger.WithError(err).Warn("Failed to persist key store")
		}
	}
}

func (m *Manager) rotateSession() {
	if err := m.engine.RotateSessionKey(); err != nil {
		m.stats.failedOps.Inc()
		m.logger.WithError(err).Error("Failed to rotate session key")
		return
	}
	m.lastSession.Store(m.now())
	m.logger.Debug("Session key rotated")
}

// scheduledBackup is the one cancellable activity: FlushAndSuspend cancels
// its context.
func (m *Manager) scheduledBackup(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.loopMu.Lock()
	m.backupCancel = cancel
	m.loopMu.Unlock()

	defer func() {
		m.loopMu.Lock()
		m.backupCancel = nil
		m.loopMu.Unlock()
		cancel()
	}()

	if _, err := m.BackupAllKeys(ctx); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			m.logger.Info("Scheduled backup cancelled")
			return
		}
		m.RecordFailure("backup", "", err)
		m.logger.WithError(err).Warn("Scheduled backup failed")
	}
}

// FlushAndSuspend prepares for power loss: it cancels an in-flight
// scheduled backup, stops the maintenance loop and persists the store
// synchronously. Hot-path operations keep working afterwards.
func (m *Manager) FlushAndSuspend(ctx context.Context) error {
	m.suspended.Store(true)

	m.loopMu.Lock()
	if m.backupCancel != nil {
		m.backupCancel()
	}
	var done chan struct{}
	if m.running {
		select {
		case <-m.stop:
		default:
			close(m.stop)
		}
		done = m.loopDone
	}
	m.loopMu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return keyerr.E("flush", "", ctx.Err())
		}
	}

	if err := m.Persist(ctx); err != nil {
		m.logger.WithError(err).Error("Flush before suspend failed")
		return err
	}
	m.logger.Info("Key store flushed, maintenance suspended")
	return nil
}

// Resume allows Run to be started again after FlushAndSuspend.
func (m *Manager) Resume() {
	m.suspended.Store(false)
}
