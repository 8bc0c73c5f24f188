package service

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/audit"
	"github.com/kenneth/field-keyguard/internal/lifecycle"
	"github.com/kenneth/field-keyguard/internal/metrics"
)

// Recorder turns lifecycle events into metrics, audit records and security
// log lines. It is handed to the manager as its Observer.
type Recorder struct {
	metrics *metrics.Metrics
	audit   audit.Logger
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewRecorder creates a Recorder. m and a may be nil.
func NewRecorder(m *metrics.Metrics, a audit.Logger, logger logrus.FieldLogger) *Recorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Recorder{metrics: m, audit: a, logger: logger, now: time.Now}
}

// Observe implements lifecycle.Observer.
func (r *Recorder) Observe(ev lifecycle.Event) {
	usage := ""
	if ev.Usage != 0 {
		usage = ev.Usage.String()
	}

	if r.metrics != nil {
		r.metrics.RecordLifecycleEvent(string(ev.Type), usage)
		switch ev.Type {
		case lifecycle.EventRotated:
			r.metrics.RecordRotation(ev.Automatic)
		case lifecycle.EventIntegrityFailure:
			r.metrics.RecordIntegrityFailure()
		case lifecycle.EventBackup:
			r.metrics.RecordBackup(ev.Err == nil, r.now())
			if ev.Err != nil {
				r.metrics.RecordStorageError("backup")
			}
		}
	}

	switch ev.Type {
	case lifecycle.EventIntegrityFailure, lifecycle.EventCompromised:
		r.logger.WithError(ev.Err).WithFields(logrus.Fields{
			"security": true,
			"event":    string(ev.Type),
			"key_id":   ev.KeyID,
			"detail":   ev.Reason,
		}).Warn("Security event")
		if r.audit != nil {
			r.audit.LogSecurity(string(ev.Type), ev.KeyID, ev.Reason, ev.Err)
		}
	default:
		if r.audit != nil {
			r.audit.LogLifecycle(string(ev.Type), ev.KeyID, ev.NewKeyID, usage, ev.Reason, ev.Automatic, ev.Err)
		}
	}
}
