package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/field-keyguard/internal/audit"
	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/entropy"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/lifecycle"
	"github.com/kenneth/field-keyguard/internal/metrics"
	"github.com/kenneth/field-keyguard/internal/middleware"
	"github.com/kenneth/field-keyguard/internal/service"
	"github.com/kenneth/field-keyguard/internal/storage"
)

type testServer struct {
	router *mux.Router
	svc    *service.Service
	audit  audit.Logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine, err := crypto.NewEngine(entropy.NewSystem(), crypto.DefaultOptions())
	require.NoError(t, err)
	master, err := keystore.RandomMasterKey(engine)
	require.NoError(t, err)
	store, err := keystore.New(engine, master)
	require.NoError(t, err)

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	al := audit.NewLogger(1000, audit.NewJSONWriter(io.Discard))

	policy := lifecycle.DefaultPolicy()
	policy.Backup.Retry = lifecycle.RetryPolicy{MaxAttempts: 1}
	mgr, err := lifecycle.New(store, engine, storage.NewMemory(), lifecycle.Options{
		Policy:   policy,
		Logger:   logger,
		Observer: service.NewRecorder(m, al, logger),
	})
	require.NoError(t, err)

	svc := service.New(mgr, service.Options{Metrics: m, Audit: al, Logger: logger})

	router := mux.NewRouter()
	router.Use(middleware.MaxBodyMiddleware(1 << 16))
	NewHandler(svc, logger, m, al).RegisterRoutes(router)

	return &testServer{router: router, svc: svc, audit: al}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (s *testServer) generate(t *testing.T, usage string) string {
	t.Helper()
	rr := s.do(t, "POST", "/v1/keys", map[string]any{"usage": usage})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[keyResponse](t, rr).KeyID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[healthResponse](t, rr)
	assert.Equal(t, "healthy", resp.Status)
	assert.False(t, resp.Maintenance)
	assert.False(t, resp.Suspended)
}

func TestGenerateKey(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, "POST", "/v1/keys", map[string]any{
		"usage":        "data_encryption",
		"level":        "maximum",
		"max_usage":    10,
		"allow_export": true,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	resp := decode[keyResponse](t, rr)
	require.NotNil(t, resp.Key)
	assert.Equal(t, resp.KeyID, resp.Key.ID)
	assert.Equal(t, keystore.UsageDataEncryption, resp.Key.Usage)
	assert.Equal(t, keystore.StatusActive, resp.Key.Status)
	assert.Equal(t, crypto.LevelMaximum, resp.Key.Level)
	assert.Equal(t, uint64(10), resp.Key.MaxUsage)
	assert.True(t, resp.Key.AllowExport)
	assert.NotContains(t, rr.Body.String(), "sealed")
}

func TestGenerateKey_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"unknown usage", map[string]any{"usage": "mining"}, "invalid_parameters"},
		{"bad level", map[string]any{"usage": "signature", "level": "extreme"}, "invalid_parameters"},
		{"bad duration", map[string]any{"usage": "signature", "rotation_interval": "soon"}, "invalid_parameters"},
		{"unknown field", map[string]any{"usage": "signature", "color": "blue"}, "invalid_request"},
		{"not json", "{usage", "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, "POST", "/v1/keys", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.code, decode[APIError](t, rr).Code)
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "POST", "/v1/encrypt", map[string]any{
		"usage":     "data_encryption",
		"plaintext": []byte("telemetry frame"),
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	ct := decode[ciphertextResponse](t, rr)
	require.NotEmpty(t, ct.KeyID)

	rr = s.do(t, "POST", "/v1/decrypt", map[string]any{"key_id": ct.KeyID, "ciphertext": ct.Ciphertext})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []byte("telemetry frame"), decode[plaintextResponse](t, rr).Plaintext)

	rr = s.do(t, "POST", "/v1/encrypt", map[string]any{"key_id": ct.KeyID, "plaintext": []byte("second")})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, ct.KeyID, decode[ciphertextResponse](t, rr).KeyID)
}

func TestDecrypt_Errors(t *testing.T) {
	s := newTestServer(t)
	id := s.generate(t, "data_encryption")

	rr := s.do(t, "POST", "/v1/encrypt", map[string]any{"key_id": id, "plaintext": []byte("x")})
	ct := decode[ciphertextResponse](t, rr)
	ct.Ciphertext[len(ct.Ciphertext)-1] ^= 0xff

	rr = s.do(t, "POST", "/v1/decrypt", map[string]any{"key_id": id, "ciphertext": ct.Ciphertext})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	errBody := decode[APIError](t, rr)
	assert.Equal(t, "integrity_failure", errBody.Code)
	assert.Equal(t, "Integrity check failed.", errBody.Message)

	rr = s.do(t, "POST", "/v1/decrypt", map[string]any{"key_id": uuid.NewString(), "ciphertext": []byte("abc")})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "key_not_found", decode[APIError](t, rr).Code)

	rr = s.do(t, "POST", "/v1/decrypt", map[string]any{"ciphertext": []byte("abc")})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, "POST", "/v1/encrypt", map[string]any{"plaintext": []byte("abc")})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, ErrMissingKeySelector.Message, decode[APIError](t, rr).Message)

	sigKey := s.generate(t, "signature")
	rr = s.do(t, "POST", "/v1/encrypt", map[string]any{"key_id": sigKey, "plaintext": []byte("abc")})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_parameters", decode[APIError](t, rr).Code)
}

func TestSignVerify(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, "POST", "/v1/sign", map[string]any{"usage": "signature", "message": []byte("firmware v2")})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sig := decode[signatureResponse](t, rr)

	rr = s.do(t, "POST", "/v1/verify", map[string]any{
		"key_id":    sig.KeyID,
		"message":   []byte("firmware v2"),
		"signature": sig.Signature,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[verifyResponse](t, rr).Valid)

	rr = s.do(t, "POST", "/v1/verify", map[string]any{
		"key_id":    sig.KeyID,
		"message":   []byte("firmware v3"),
		"signature": sig.Signature,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[verifyResponse](t, rr).Valid)
}

func TestRotateAndList(t *testing.T) {
	s := newTestServer(t)
	id := s.generate(t, "data_encryption")
	s.generate(t, "signature")

	rr := s.do(t, "POST", "/v1/keys/"+id+"/rotate", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rotated := decode[keyResponse](t, rr)
	assert.Equal(t, id, rotated.Previous)
	assert.NotEqual(t, id, rotated.KeyID)
	require.NotNil(t, rotated.Key)
	assert.Equal(t, uint32(2), rotated.Key.Version)

	rr = s.do(t, "GET", "/v1/keys?usage=data_encryption", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[listKeysResponse](t, rr).Keys, 2)

	rr = s.do(t, "GET", "/v1/keys?usage=data_encryption&status=deprecated", nil)
	keys := decode[listKeysResponse](t, rr).Keys
	require.Len(t, keys, 1)
	assert.Equal(t, id, keys[0].ID)

	rr = s.do(t, "GET", "/v1/keys", nil)
	assert.Len(t, decode[listKeysResponse](t, rr).Keys, 3)

	rr = s.do(t, "GET", "/v1/keys?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, "GET", "/v1/keys/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, keystore.StatusDeprecated, decode[keystore.Metadata](t, rr).Status)
}

func TestRevoke(t *testing.T) {
	s := newTestServer(t)
	id := s.generate(t, "signature")

	rr := s.do(t, "POST", "/v1/keys/"+id+"/revoke", map[string]any{"reason": "decommissioned", "wipe": true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "revoked", decode[revokeResponse](t, rr).Status)

	rr = s.do(t, "GET", "/v1/keys/"+id, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "key_invalid_state", decode[APIError](t, rr).Code)

	rr = s.do(t, "POST", "/v1/keys/"+uuid.NewString()+"/revoke", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRevoke_Compromised(t *testing.T) {
	s := newTestServer(t)
	id := s.generate(t, "authentication")

	rr := s.do(t, "POST", "/v1/keys/"+id+"/revoke", map[string]any{"reason": "tamper switch", "compromised": true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[revokeResponse](t, rr)
	assert.Equal(t, "compromised", resp.Status)
	require.NotEmpty(t, resp.Replacement)
	assert.NotEqual(t, id, resp.Replacement)

	rr = s.do(t, "POST", "/v1/sign", map[string]any{"key_id": id, "message": []byte("m")})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestPublicKey(t *testing.T) {
	s := newTestServer(t)
	kx := s.generate(t, "key_exchange")

	rr := s.do(t, "GET", "/v1/keys/"+kx+"/public", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[publicKeyResponse](t, rr)
	assert.Equal(t, "key_exchange", resp.Usage)
	assert.NotEmpty(t, resp.PublicKey)

	dek := s.generate(t, "data_encryption")
	rr = s.do(t, "GET", "/v1/keys/"+dek+"/public", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSessionKey_NotInitialized(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, "GET", "/v1/session", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not_initialized", decode[APIError](t, rr).Code)
}

func TestBackupRestore(t *testing.T) {
	s := newTestServer(t)
	s.generate(t, "data_encryption")
	s.generate(t, "signature")

	rr := s.do(t, "POST", "/v1/maintenance/backup", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	name := decode[backupResponse](t, rr).Name
	assert.True(t, strings.HasPrefix(name, "backup-"))

	rr = s.do(t, "POST", "/v1/maintenance/restore", map[string]any{})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[restoreResponse](t, rr)
	assert.Equal(t, 2, resp.Restored)
	assert.Empty(t, resp.Dropped)

	rr = s.do(t, "POST", "/v1/maintenance/restore", map[string]any{"name": "backup-9.bin"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "backup_not_found", decode[APIError](t, rr).Code)
}

func TestStatsAndMetrics(t *testing.T) {
	s := newTestServer(t)
	id := s.generate(t, "data_encryption")
	s.do(t, "POST", "/v1/keys/"+id+"/rotate", nil)
	s.do(t, "POST", "/v1/decrypt", map[string]any{"key_id": uuid.NewString(), "ciphertext": []byte("x")})

	rr := s.do(t, "GET", "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[lifecycle.Stats](t, rr)
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, uint64(1), stats.Rotated)
	assert.Equal(t, uint64(1), stats.FailedOps)
	assert.Equal(t, 2, stats.Keys)

	rr = s.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "keyguard_key_operations_total")
	assert.Contains(t, body, `path="/v1/keys/{id}/rotate"`)
}

func TestAccessAudit(t *testing.T) {
	s := newTestServer(t)
	s.generate(t, "signature")
	s.do(t, "POST", "/v1/verify", map[string]any{"message": []byte("m")})

	var access []*audit.AuditEvent
	for _, ev := range s.audit.Events() {
		if ev.EventType == audit.EventTypeAccess {
			access = append(access, ev)
		}
	}
	require.Len(t, access, 2)
	assert.Equal(t, "generate_key", access[0].Operation)
	assert.True(t, access[0].Success)
	assert.Equal(t, "verify", access[1].Operation)
	assert.False(t, access[1].Success)
}

func TestPayloadTooLarge(t *testing.T) {
	s := newTestServer(t)
	big := bytes.Repeat([]byte("a"), 1<<17)
	rr := s.do(t, "POST", "/v1/encrypt", map[string]any{"usage": "data_encryption", "plaintext": big})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, "payload_too_large", decode[APIError](t, rr).Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, "DELETE", "/v1/keys", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
