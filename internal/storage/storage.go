// Package storage provides the blob persistence collaborators used for key
// store snapshots and backups.
//
// Backends only move opaque bytes. Everything they hold is already sealed
// under the store master key, so none of them add encryption of their own.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kenneth/field-keyguard/internal/keyerr"
)

// ErrNotFound is returned by LoadBlob when no blob exists under the name.
var ErrNotFound = errors.New("blob not found")

// Storage is the opaque key/value blob contract.
type Storage interface {
	LoadBlob(ctx context.Context, name string) ([]byte, error)
	SaveBlob(ctx context.Context, name string, data []byte) error
}

// Named is implemented by backends that can describe themselves in logs.
type Named interface {
	Name() string
}

// NameOf returns a printable backend name.
func NameOf(s Storage) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// unavailable wraps a backend failure so callers can match
// keyerr.ErrStorageUnavailable while keeping the cause in the message.
func unavailable(backend, name string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", keyerr.ErrStorageUnavailable, backend, name, err)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: invalid blob name %q", keyerr.ErrInvalidParameters, name)
	}
	return nil
}
