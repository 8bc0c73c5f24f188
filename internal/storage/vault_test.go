package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/field-keyguard/internal/config"
	"github.com/kenneth/field-keyguard/internal/keyerr"
)

// fakeKV emulates the KV v2 read and write endpoints.
type fakeKV struct {
	mu     sync.Mutex
	data   map[string]string
	tokens []string
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, r.Header.Get("X-Vault-Token"))
	path := strings.TrimPrefix(r.URL.Path, "/v1/")

	if strings.Contains(path, "forbidden") {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
		return
	}

	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var body struct {
			Data map[string]string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.data[path] = body.Data["content"]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"version":1}}`))
	case http.MethodGet:
		content, ok := f.data[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     map[string]string{"content": content},
				"metadata": map[string]interface{}{"version": 1},
			},
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestVault(t *testing.T) (*Vault, *fakeKV) {
	t.Helper()
	kv := &fakeKV{data: make(map[string]string)}
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)

	b, err := NewVault(config.VaultConfig{
		Address:   srv.URL,
		Token:     "s.test",
		MountPath: "secret/",
		DataPath:  "/keyguard/node-7/",
		Timeout:   5 * time.Second,
	}, quietLogger())
	require.NoError(t, err)
	return b, kv
}

func TestVault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b, kv := newTestVault(t)

	_, err := b.LoadBlob(ctx, "backup-0.bin")
	assert.ErrorIs(t, err, ErrNotFound)

	blob := []byte{0x00, 0xff, 0x10, 0x80}
	require.NoError(t, b.SaveBlob(ctx, "backup-0.bin", blob))
	assert.Contains(t, kv.data, "secret/data/keyguard/node-7/backup-0.bin")

	got, err := b.LoadBlob(ctx, "backup-0.bin")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	for _, token := range kv.tokens {
		assert.Equal(t, "s.test", token)
	}
}

func TestVault_PermissionDenied(t *testing.T) {
	b, _ := newTestVault(t)
	err := b.SaveBlob(context.Background(), "forbidden", []byte("x"))
	assert.ErrorIs(t, err, keyerr.ErrStorageUnavailable)

	_, err = b.LoadBlob(context.Background(), "forbidden")
	assert.ErrorIs(t, err, keyerr.ErrStorageUnavailable)
}
