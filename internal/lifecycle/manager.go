// Package lifecycle drives keys through their states: generation,
// rotation, expiry, revocation and compromise. It owns usage accounting
// for the hot path, and backup and persistence for the maintenance task.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keyerr"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/storage"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventGenerated        EventType = "key_generated"
	EventRotated          EventType = "key_rotated"
	EventExpired          EventType = "key_expired"
	EventDestroyed        EventType = "key_destroyed"
	EventRevoked          EventType = "key_revoked"
	EventCompromised      EventType = "key_compromised"
	EventImported         EventType = "key_imported"
	EventExported         EventType = "key_exported"
	EventIntegrityFailure EventType = "integrity_failure"
	EventBackup           EventType = "backup"
	EventRestore          EventType = "restore"
)

// Event describes something the manager did.
type Event struct {
	Type      EventType
	KeyID     string
	NewKeyID  string
	Usage     keystore.Usage
	Reason    string
	Automatic bool
	Err       error
}

// Observer receives lifecycle events. Observe is called synchronously and
// must not call back into the Manager.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Options configures a Manager.
type Options struct {
	Policy   Policy
	Clock    clock.Clock
	Logger   logrus.FieldLogger
	Offsite  storage.Storage
	Observer Observer
}

// Stats is a point-in-time view of the manager counters.
type Stats struct {
	Created           uint64         `json:"created"`
	Rotated           uint64         `json:"rotated"`
	Expired           uint64         `json:"expired"`
	Revoked           uint64         `json:"revoked"`
	Compromised       uint64         `json:"compromised"`
	Imported          uint64         `json:"imported"`
	FailedOps         uint64         `json:"failed_ops"`
	IntegrityFailures uint64         `json:"integrity_failures"`
	Backups           uint64         `json:"backups"`
	Keys              int            `json:"keys"`
	ByStatus          map[string]int `json:"by_status"`
	LastBackup        time.Time      `json:"last_backup,omitempty"`
}

type counters struct {
	created           atomic.Uint64
	rotated           atomic.Uint64
	expired           atomic.Uint64
	revoked           atomic.Uint64
	compromised       atomic.Uint64
	imported          atomic.Uint64
	failedOps         atomic.Uint64
	integrityFailures atomic.Uint64
	backups           atomic.Uint64
}

// Manager implements the key lifecycle on top of a keystore.Store.
type Manager struct {
	store   *keystore.Store
	engine  *crypto.Engine
	primary storage.Storage
	offsite storage.Storage
	clock   clock.Clock
	logger  logrus.FieldLogger
	obs     Observer

	policyMu sync.RWMutex
	policy   Policy

	// genMu serialises lazy creation of a usage's first key.
	genMu sync.Mutex

	stats       counters
	dirty       atomic.Bool
	backupGen   atomic.Uint64
	lastBackup  atomic.Time
	lastSession atomic.Time

	loopMu       sync.Mutex
	running      bool
	stop         chan struct{}
	loopDone     chan struct{}
	backupCancel func()
	suspended    atomic.Bool
}

// New creates a manager. primary may be nil, which disables persistence
// and backups.
func New(store *keystore.Store, engine *crypto.Engine, primary storage.Storage, opts Options) (*Manager, error) {
	if store == nil || engine == nil {
		return nil, keyerr.E("new manager", "", keyerr.ErrNotInitialized)
	}
	if opts.Policy.DefaultLevel == 0 {
		opts.Policy = DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, keyerr.E("new manager", "", fmt.Errorf("%w: %v", keyerr.ErrInvalidParameters, err))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Manager{
		store:   store,
		engine:  engine,
		primary: primary,
		offsite: opts.Offsite,
		clock:   opts.Clock,
		logger:  opts.Logger,
		obs:     opts.Observer,
		policy:  opts.Policy,
	}, nil
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// UpdatePolicy swaps the policy. Existing keys keep the limits they were
// created with; the new policy applies to keys generated afterwards and to
// the rotation and retention triggers.
func (m *Manager) UpdatePolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return keyerr.E("update policy", "", fmt.Errorf("%w: %v", keyerr.ErrInvalidParameters, err))
	}
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"default_level":    p.DefaultLevel.String(),
		"threat_threshold": p.ThreatThreshold,
		"grace_period":     p.GracePeriod.String(),
	}).Info("Key policy updated")
	return nil
}

// Engine returns the crypto engine.
func (m *Manager) Engine() *crypto.Engine {
	return m.engine
}

// RecordFailure counts a failed operation. Integrity failures are also
// counted separately and reported to the observer. Operations the service
// layer exposes do not count their own failures; it calls this instead.
func (m *Manager) RecordFailure(op, keyID string, err error) {
	if err == nil {
		return
	}
	m.stats.failedOps.Inc()
	if errors.Is(err, keyerr.ErrIntegrityFailure) {
		m.stats.integrityFailures.Inc()
		m.emit(Event{Type: EventIntegrityFailure, KeyID: keyID, Reason: op, Err: err})
	}
}

// Statistics returns the counters and the per-status key counts.
func (m *Manager) Statistics() Stats {
	s := Stats{
		Created:           m.stats.created.Load(),
		Rotated:           m.stats.rotated.Load(),
		Expired:           m.stats.expired.Load(),
		Revoked:           m.stats.revoked.Load(),
		Compromised:       m.stats.compromised.Load(),
		Imported:          m.stats.imported.Load(),
		FailedOps:         m.stats.failedOps.Load(),
		IntegrityFailures: m.stats.integrityFailures.Load(),
		Backups:           m.stats.backups.Load(),
		LastBackup:        m.lastBackup.Load(),
		ByStatus:          make(map[string]int, len(keystore.Statuses)),
	}
	_ = m.store.View(func(tx *keystore.Tx) error {
		s.Keys = tx.Len()
		counts := tx.Counts()
		for _, st := range keystore.Statuses {
			s.ByStatus[st.String()] = counts[st]
		}
		return nil
	})
	return s
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

func (m *Manager) emit(ev Event) {
	if m.obs != nil {
		m.obs.Observe(ev)
	}
}

func (m *Manager) newID() (uuid.UUID, error) {
	id, err := uuid.NewRandomFromReader(m.engine.Reader())
	if err != nil {
		return uuid.Nil, keyerr.E("new id", "", fmt.Errorf("%w: %v", keyerr.ErrEntropyFailure, err))
	}
	return id, nil
}

// rotationReason returns why meta must be rotated before further use, or
// the empty string.
func (m *Manager) rotationReason(meta keystore.Metadata, now time.Time) string {
	age := now.Sub(meta.CreatedAt)
	switch {
	case meta.MaxUsage > 0 && meta.UsageCount >= meta.MaxUsage:
		return "usage limit reached"
	case !now.Before(meta.ExpiresAt):
		return "maximum key age reached"
	case meta.RotationInterval > 0 && age >= meta.RotationInterval:
		return "rotation interval elapsed"
	}

	threshold := m.Policy().ThreatThreshold
	if threshold > 0 && crypto.AssessThreatLevel(meta.Level, age, meta.RotationInterval) >= threshold {
		return "threat level above threshold"
	}
	return ""
}
