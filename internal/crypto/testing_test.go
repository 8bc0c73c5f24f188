package crypto

import (
	"testing"

	"github.com/kenneth/field-keyguard/internal/entropy"
)

func newTestEngine(t testing.TB) *Engine {
	t.Helper()
	e, err := NewEngine(entropy.NewSystem(), DefaultOptions())
	if err != nil {
		t.Fatalf("NewEngine() unexpected error: %v", err)
	}
	return e
}
