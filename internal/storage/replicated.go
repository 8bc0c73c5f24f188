package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/keyerr"
)

// Replicated fans writes out to every backend and reads from the first
// backend that has the blob. A save succeeds when at least one backend
// accepted it.
type Replicated struct {
	backends []Storage
	logger   logrus.FieldLogger
}

// NewReplicated combines backends in priority order. Nil entries are skipped.
func NewReplicated(logger logrus.FieldLogger, backends ...Storage) *Replicated {
	r := &Replicated{logger: logger.WithField("backend", "replicated")}
	for _, b := range backends {
		if b != nil {
			r.backends = append(r.backends, b)
		}
	}
	return r
}

func (r *Replicated) Name() string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = NameOf(b)
	}
	return "replicated:[" + strings.Join(names, ",") + "]"
}

func (r *Replicated) LoadBlob(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, b := range r.backends {
		data, err := b.LoadBlob(ctx, name)
		if err == nil {
			r.logger.WithFields(logrus.Fields{
				"blob":     name,
				"source":   NameOf(b),
				"duration": time.Since(start),
			}).Debug("Loaded blob")
			return data, nil
		}
		if errors.Is(err, ErrNotFound) {
			notFound++
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", NameOf(b), err))
		r.logger.WithError(err).WithField("source", NameOf(b)).Debug("Failed to load blob from backend")
	}

	if len(errs) == 0 {
		return nil, ErrNotFound
	}
	r.logger.WithFields(logrus.Fields{
		"blob":            name,
		"failed_backends": len(errs),
		"missing":         notFound,
	}).Error("All backends failed to load blob")
	return nil, fmt.Errorf("%w: all backends failed to load %s: %v", keyerr.ErrStorageUnavailable, name, errors.Join(errs...))
}

func (r *Replicated) SaveBlob(ctx context.Context, name string, data []byte) error {
	var errs []error
	stored := 0

	for _, b := range r.backends {
		if err := b.SaveBlob(ctx, name, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", NameOf(b), err))
			r.logger.WithError(err).WithField("target", NameOf(b)).Warn("Failed to save blob to backend")
			continue
		}
		stored++
	}

	if stored == 0 {
		return fmt.Errorf("%w: all backends failed to save %s: %v", keyerr.ErrStorageUnavailable, name, errors.Join(errs...))
	}
	if len(errs) > 0 {
		r.logger.WithFields(logrus.Fields{
			"blob":   name,
			"stored": stored,
			"failed": len(errs),
		}).Warn("Blob saved to a subset of backends")
	}
	return nil
}
