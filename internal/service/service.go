// Package service is the key usage facade. Consumers such as image
// storage, telemetry and inter-node messaging call it instead of touching
// key material; every call is traced, measured and audited.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/field-keyguard/internal/audit"
	"github.com/kenneth/field-keyguard/internal/keyerr"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/lifecycle"
	"github.com/kenneth/field-keyguard/internal/metrics"
)

const tracerName = "field-keyguard/service"

// Options configures a Service. Nil fields disable the matching concern.
type Options struct {
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Tracer  trace.Tracer
	Logger  logrus.FieldLogger
}

// Service wraps a lifecycle.Manager with tracing, metrics and auditing.
type Service struct {
	mgr     *lifecycle.Manager
	metrics *metrics.Metrics
	audit   audit.Logger
	tracer  trace.Tracer
	logger  logrus.FieldLogger
}

// New creates the facade over mgr.
func New(mgr *lifecycle.Manager, opts Options) *Service {
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		mgr:     mgr,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		tracer:  opts.Tracer,
		logger:  opts.Logger,
	}
}

// Manager returns the underlying lifecycle manager.
func (s *Service) Manager() *lifecycle.Manager {
	return s.mgr
}

// call tracks one facade invocation from start to finish.
type call struct {
	s     *Service
	op    string
	span  trace.Span
	start time.Time

	keyID   string
	meta    *keystore.Metadata
	usage   string
	bytes   int
	hotPath bool
}

func (s *Service) begin(ctx context.Context, op string, hotPath bool, attrs ...attribute.KeyValue) (context.Context, *call) {
	ctx, span := s.tracer.Start(ctx, "keyguard."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(attrs, attribute.String("keyguard.operation", op))...),
	)
	return ctx, &call{s: s, op: op, span: span, start: time.Now(), hotPath: hotPath}
}

// key records which key served the call once it is known.
func (c *call) key(id string) {
	if id == "" {
		return
	}
	c.keyID = id
	c.span.SetAttributes(attribute.String("keyguard.key_id", id))
}

func (c *call) metadata(meta keystore.Metadata) {
	c.meta = &meta
	c.key(meta.ID)
	c.usage = meta.Usage.String()
	c.span.SetAttributes(
		attribute.String("keyguard.usage", c.usage),
		attribute.Int("keyguard.key_version", int(meta.Version)),
	)
}

// end finishes the span and records metrics, failure counts and audit
// events. It returns err unchanged.
func (c *call) end(err error) error {
	s := c.s
	duration := time.Since(c.start)
	defer c.span.End()

	if err != nil {
		label := keyerr.Label(err)
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, label)
		if !errors.Is(err, context.Canceled) {
			s.mgr.RecordFailure(c.op, c.keyID, err)
		}
		if s.metrics != nil {
			s.metrics.RecordKeyError(c.op, label)
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"operation":  c.op,
			"key_id":     c.keyID,
			"error_type": label,
		}).Debug("Key operation failed")
	} else {
		c.span.SetStatus(codes.Ok, "")
		if s.metrics != nil {
			s.metrics.RecordKeyOperation(c.op, c.usage, duration, c.bytes)
		}
	}

	if s.audit == nil {
		return err
	}
	switch {
	case c.hotPath:
		op := audit.KeyOperation{
			Operation: c.op,
			KeyID:     c.keyID,
			Usage:     c.usage,
			Duration:  duration,
		}
		if c.meta != nil {
			op.Algorithm = c.meta.Algorithm
			op.KeyVersion = c.meta.Version
		}
		s.audit.LogKeyOperation(op, err)
	case err != nil:
		// Successful lifecycle calls are audited from the manager's events.
		s.audit.LogLifecycle(c.op, c.keyID, "", c.usage, "", false, err)
	}
	return err
}

// usageAttr is the span attribute for a requested usage.
func usageAttr(u keystore.Usage) attribute.KeyValue {
	return attribute.String("keyguard.usage", u.String())
}

// Bootstrap gives every listed usage a current key, generating one with
// the policy defaults where none exists.
func (s *Service) Bootstrap(ctx context.Context, usages []keystore.Usage) error {
	for _, u := range usages {
		if _, ok := s.mgr.Current(u); ok {
			continue
		}
		id, err := s.GenerateKey(ctx, u, 0)
		if err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"usage":  u.String(),
			"key_id": id,
		}).Info("Bootstrapped key")
	}
	return nil
}
