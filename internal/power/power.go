// Package power turns platform shutdown notices into key store flushes.
package power

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Notice announces imminent power loss or shutdown.
type Notice struct {
	Reason string
	Signal os.Signal
	At     time.Time
}

// Controller delivers shutdown notices. The channel is closed by Close.
type Controller interface {
	Notices() <-chan Notice
	Close() error
}

// Suspender is the part of the lifecycle manager the adapter drives.
type Suspender interface {
	FlushAndSuspend(ctx context.Context) error
}

// Adapter flushes the key store whenever the controller reports a notice.
type Adapter struct {
	ctrl    Controller
	target  Suspender
	logger  logrus.FieldLogger
	timeout time.Duration

	// OnSuspend, when set, is called after every flush attempt.
	OnSuspend func(Notice, error)
}

// NewAdapter builds an adapter. A zero timeout means 5s per flush.
func NewAdapter(ctrl Controller, target Suspender, logger logrus.FieldLogger, timeout time.Duration) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{ctrl: ctrl, target: target, logger: logger, timeout: timeout}
}

// Run blocks until ctx is done or the controller is closed.
func (a *Adapter) Run(ctx context.Context) error {
	notices := a.ctrl.Notices()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notices:
			if !ok {
				return nil
			}
			a.handle(ctx, n)
		}
	}
}

func (a *Adapter) handle(parent context.Context, n Notice) {
	// The flush must finish even if the caller's context is being torn down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), a.timeout)
	defer cancel()

	start := time.Now()
	err := a.target.FlushAndSuspend(ctx)
	fields := logrus.Fields{
		"reason":   n.Reason,
		"duration": time.Since(start).String(),
	}
	if err != nil {
		a.logger.WithFields(fields).WithError(err).Error("Flush on power notice failed")
	} else {
		a.logger.WithFields(fields).Warn("Key store flushed on power notice")
	}
	if a.OnSuspend != nil {
		a.OnSuspend(n, err)
	}
}

// Manual is a Controller driven by code, used by tests and by hosts
// that receive power events over their own channel.
type Manual struct {
	mu     sync.Mutex
	ch     chan Notice
	closed bool
}

func NewManual() *Manual {
	return &Manual{ch: make(chan Notice, 4)}
}

func (m *Manual) Notices() <-chan Notice { return m.ch }

// Notify queues a notice. It reports false once the controller is closed
// or when the queue is full.
func (m *Manual) Notify(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.ch <- Notice{Reason: reason, At: time.Now()}:
		return true
	default:
		return false
	}
}

func (m *Manual) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}
