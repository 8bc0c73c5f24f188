package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/audit"
	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/lifecycle"
	"github.com/kenneth/field-keyguard/internal/metrics"
	"github.com/kenneth/field-keyguard/internal/middleware"
	"github.com/kenneth/field-keyguard/internal/service"
)

// Handler serves the admin/IPC API. It never returns raw key material.
type Handler struct {
	svc         *service.Service
	logger      logrus.FieldLogger
	metrics     *metrics.Metrics
	auditLogger audit.Logger
}

// NewHandler creates an API handler. metrics and auditLogger may be nil.
func NewHandler(svc *service.Service, logger logrus.FieldLogger, m *metrics.Metrics, auditLogger audit.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		svc:         svc,
		logger:      logger,
		metrics:     m,
		auditLogger: auditLogger,
	}
}

// apiFunc returns the status and body of a successful response, or an error.
type apiFunc func(r *http.Request) (int, any, error)

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/stats", h.wrap("stats", h.handleStats)).Methods(http.MethodGet)
	v1.Handle("/keys", h.wrap("list_keys", h.handleListKeys)).Methods(http.MethodGet)
	v1.Handle("/keys", h.wrap("generate_key", h.handleGenerateKey)).Methods(http.MethodPost)
	v1.Handle("/keys/{id}", h.wrap("key_info", h.handleKeyInfo)).Methods(http.MethodGet)
	v1.Handle("/keys/{id}/rotate", h.wrap("rotate_key", h.handleRotateKey)).Methods(http.MethodPost)
	v1.Handle("/keys/{id}/revoke", h.wrap("revoke_key", h.handleRevokeKey)).Methods(http.MethodPost)
	v1.Handle("/keys/{id}/public", h.wrap("public_key", h.handlePublicKey)).Methods(http.MethodGet)
	v1.Handle("/session", h.wrap("session_key", h.handleSessionKey)).Methods(http.MethodGet)
	v1.Handle("/encrypt", h.wrap("encrypt", h.handleEncrypt)).Methods(http.MethodPost)
	v1.Handle("/decrypt", h.wrap("decrypt", h.handleDecrypt)).Methods(http.MethodPost)
	v1.Handle("/sign", h.wrap("sign", h.handleSign)).Methods(http.MethodPost)
	v1.Handle("/verify", h.wrap("verify", h.handleVerify)).Methods(http.MethodPost)
	v1.Handle("/maintenance/backup", h.wrap("backup", h.handleBackup)).Methods(http.MethodPost)
	v1.Handle("/maintenance/restore", h.wrap("restore", h.handleRestore)).Methods(http.MethodPost)
}

// wrap writes the JSON response or error, and records HTTP metrics and an
// access audit event.
func (h *Handler) wrap(operation string, fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.RequestID(r.Context())

		status, body, err := fn(r)
		var written int64
		if err != nil {
			apiErr := TranslateError(err, reqID)
			status = apiErr.HTTPStatus
			if status >= http.StatusInternalServerError {
				h.logger.WithFields(logrus.Fields{
					"operation":  operation,
					"request_id": reqID,
				}).WithError(err).Error("Request failed")
			} else {
				h.logger.WithFields(logrus.Fields{
					"operation":  operation,
					"request_id": reqID,
					"code":       apiErr.Code,
				}).Debug("Request rejected")
			}
			apiErr.WriteJSON(w)
		} else {
			written = writeJSON(w, status, body)
		}

		duration := time.Since(start)
		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Method, routeLabel(r), status, duration, written)
		}
		if h.auditLogger != nil {
			h.auditLogger.LogAccess(operation, getClientIP(r), r.UserAgent(), reqID, err == nil, err, duration)
		}
	})
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type healthResponse struct {
	Status      string `json:"status"`
	Maintenance bool   `json:"maintenance"`
	Suspended   bool   `json:"suspended"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	mgr := h.svc.Manager()
	n := writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Maintenance: mgr.Running(),
		Suspended:   mgr.Suspended(),
	})
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(http.MethodGet, "/health", http.StatusOK, time.Since(start), n)
	}
}

func (h *Handler) handleStats(r *http.Request) (int, any, error) {
	return http.StatusOK, h.svc.GetStatistics(r.Context()), nil
}

type listKeysResponse struct {
	Keys []keystore.Metadata `json:"keys"`
}

func (h *Handler) handleListKeys(r *http.Request) (int, any, error) {
	var f lifecycle.ListFilter
	q := r.URL.Query()
	if v := q.Get("usage"); v != "" {
		u, err := keystore.ParseUsage(v)
		if err != nil {
			return 0, nil, invalidParam(err)
		}
		f.Usage = u
	}
	if v := q.Get("status"); v != "" {
		s, err := keystore.ParseStatus(v)
		if err != nil {
			return 0, nil, invalidParam(err)
		}
		f.Status = s
	}
	keys := h.svc.ListKeys(r.Context(), f)
	if keys == nil {
		keys = []keystore.Metadata{}
	}
	return http.StatusOK, listKeysResponse{Keys: keys}, nil
}

type generateKeyRequest struct {
	Usage            string `json:"usage"`
	Level            string `json:"level,omitempty"`
	RotationInterval string `json:"rotation_interval,omitempty"`
	MaxKeyAge        string `json:"max_key_age,omitempty"`
	MaxUsage         uint64 `json:"max_usage,omitempty"`
	AllowExport      bool   `json:"allow_export,omitempty"`
	Algorithm        string `json:"algorithm,omitempty"`
}

func (req generateKeyRequest) options() (keystore.Usage, lifecycle.KeyOptions, error) {
	var opts lifecycle.KeyOptions
	usage, err := keystore.ParseUsage(req.Usage)
	if err != nil {
		return 0, opts, invalidParam(err)
	}
	if req.Level != "" {
		if opts.Level, err = crypto.ParseSecurityLevel(req.Level); err != nil {
			return 0, opts, invalidParam(err)
		}
	}
	if req.RotationInterval != "" {
		if opts.RotationInterval, err = time.ParseDuration(req.RotationInterval); err != nil {
			return 0, opts, invalidParam(err)
		}
	}
	if req.MaxKeyAge != "" {
		if opts.MaxKeyAge, err = time.ParseDuration(req.MaxKeyAge); err != nil {
			return 0, opts, invalidParam(err)
		}
	}
	opts.MaxUsage = req.MaxUsage
	opts.AllowExport = req.AllowExport
	opts.Algorithm = req.Algorithm
	return usage, opts, nil
}

type keyResponse struct {
	KeyID    string             `json:"key_id"`
	Previous string             `json:"previous_key_id,omitempty"`
	Key      *keystore.Metadata `json:"key,omitempty"`
}

func (h *Handler) handleGenerateKey(r *http.Request) (int, any, error) {
	var req generateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	usage, opts, err := req.options()
	if err != nil {
		return 0, nil, err
	}
	id, err := h.svc.GenerateKeyWith(r.Context(), usage, opts)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, h.describe(r.Context(), id, ""), nil
}

func (h *Handler) describe(ctx context.Context, id, previous string) keyResponse {
	resp := keyResponse{KeyID: id, Previous: previous}
	if meta, err := h.svc.KeyInfo(ctx, id); err == nil {
		resp.Key = &meta
	}
	return resp
}

func (h *Handler) handleKeyInfo(r *http.Request) (int, any, error) {
	meta, err := h.svc.KeyInfo(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, meta, nil
}

func (h *Handler) handleRotateKey(r *http.Request) (int, any, error) {
	id := mux.Vars(r)["id"]
	newID, err := h.svc.RotateKey(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, h.describe(r.Context(), newID, id), nil
}

type revokeRequest struct {
	Reason      string `json:"reason"`
	Wipe        bool   `json:"wipe,omitempty"`
	Compromised bool   `json:"compromised,omitempty"`
}

type revokeResponse struct {
	KeyID       string `json:"key_id"`
	Status      string `json:"status"`
	Replacement string `json:"replacement_key_id,omitempty"`
}

func (h *Handler) handleRevokeKey(r *http.Request) (int, any, error) {
	id := mux.Vars(r)["id"]
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	if req.Reason == "" {
		req.Reason = "revoked via api"
	}

	if req.Compromised {
		replacement, err := h.svc.MarkCompromised(r.Context(), id, req.Reason)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, revokeResponse{
			KeyID:       id,
			Status:      keystore.StatusCompromised.String(),
			Replacement: replacement,
		}, nil
	}

	if err := h.svc.RevokeKey(r.Context(), id, req.Reason, req.Wipe); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, revokeResponse{KeyID: id, Status: keystore.StatusRevoked.String()}, nil
}

type publicKeyResponse struct {
	KeyID     string `json:"key_id"`
	Usage     string `json:"usage,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	PublicKey []byte `json:"public_key"`
}

func (h *Handler) handlePublicKey(r *http.Request) (int, any, error) {
	id := mux.Vars(r)["id"]
	pub, meta, err := h.svc.PublicKey(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, publicKeyResponse{
		KeyID:     id,
		Usage:     meta.Usage.String(),
		Algorithm: meta.Algorithm,
		PublicKey: pub,
	}, nil
}

func (h *Handler) handleSessionKey(r *http.Request) (int, any, error) {
	pub, err := h.svc.SessionPublicKey(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, publicKeyResponse{
		KeyID:     "session",
		Algorithm: crypto.AlgorithmMLKEM768,
		PublicKey: pub,
	}, nil
}

// keySelector picks an explicit key or the current key of a usage.
type keySelector struct {
	KeyID string `json:"key_id,omitempty"`
	Usage string `json:"usage,omitempty"`
}

func (s keySelector) usage() (keystore.Usage, error) {
	if s.KeyID == "" && s.Usage == "" {
		return 0, ErrMissingKeySelector
	}
	if s.KeyID != "" {
		return 0, nil
	}
	u, err := keystore.ParseUsage(s.Usage)
	if err != nil {
		return 0, invalidParam(err)
	}
	return u, nil
}

type encryptRequest struct {
	keySelector
	Plaintext []byte `json:"plaintext"`
}

type ciphertextResponse struct {
	KeyID      string `json:"key_id"`
	Ciphertext []byte `json:"ciphertext"`
}

func (h *Handler) handleEncrypt(r *http.Request) (int, any, error) {
	var req encryptRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	usage, err := req.usage()
	if err != nil {
		return 0, nil, err
	}

	var ct service.Ciphertext
	if req.KeyID != "" {
		ct, err = h.svc.Encrypt(r.Context(), req.KeyID, req.Plaintext)
	} else {
		ct, err = h.svc.EncryptFor(r.Context(), usage, req.Plaintext)
	}
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, ciphertextResponse{KeyID: ct.KeyID, Ciphertext: ct.Data}, nil
}

type decryptRequest struct {
	KeyID      string `json:"key_id"`
	Ciphertext []byte `json:"ciphertext"`
}

type plaintextResponse struct {
	Plaintext []byte `json:"plaintext"`
}

func (h *Handler) handleDecrypt(r *http.Request) (int, any, error) {
	var req decryptRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	if req.KeyID == "" {
		return 0, nil, ErrMissingKeySelector
	}
	pt, err := h.svc.Decrypt(r.Context(), req.KeyID, req.Ciphertext)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, plaintextResponse{Plaintext: pt}, nil
}

type signRequest struct {
	keySelector
	Message []byte `json:"message"`
}

type signatureResponse struct {
	KeyID     string `json:"key_id"`
	Signature []byte `json:"signature"`
}

func (h *Handler) handleSign(r *http.Request) (int, any, error) {
	var req signRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	usage, err := req.usage()
	if err != nil {
		return 0, nil, err
	}

	var sig service.Signature
	if req.KeyID != "" {
		sig, err = h.svc.Sign(r.Context(), req.KeyID, req.Message)
	} else {
		sig, err = h.svc.SignFor(r.Context(), usage, req.Message)
	}
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, signatureResponse{KeyID: sig.KeyID, Signature: sig.Data}, nil
}

type verifyRequest struct {
	KeyID     string `json:"key_id"`
	Message   []byte `json:"message"`
	Signature []byte `json:"signature"`
}

type verifyResponse struct {
	KeyID string `json:"key_id"`
	Valid bool   `json:"valid"`
}

func (h *Handler) handleVerify(r *http.Request) (int, any, error) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	if req.KeyID == "" {
		return 0, nil, ErrMissingKeySelector
	}
	ok, err := h.svc.Verify(r.Context(), req.KeyID, req.Message, req.Signature)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, verifyResponse{KeyID: req.KeyID, Valid: ok}, nil
}

type backupResponse struct {
	Name string `json:"name"`
}

func (h *Handler) handleBackup(r *http.Request) (int, any, error) {
	name, err := h.svc.Backup(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, backupResponse{Name: name}, nil
}

type restoreRequest struct {
	Name string `json:"name,omitempty"`
}

type restoreResponse struct {
	Restored int      `json:"restored"`
	Dropped  []string `json:"dropped,omitempty"`
	Revoked  []string `json:"revoked,omitempty"`
}

func (h *Handler) handleRestore(r *http.Request) (int, any, error) {
	var req restoreRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	res, err := h.svc.Restore(r.Context(), req.Name)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, restoreResponse{Restored: res.Restored, Dropped: res.Dropped, Revoked: res.Revoked}, nil
}

func invalidParam(err error) error {
	return &APIError{
		Code:       "invalid_parameters",
		Message:    err.Error(),
		HTTPStatus: http.StatusBadRequest,
	}
}
