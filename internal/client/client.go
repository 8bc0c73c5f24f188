// Package client is a small Go client for the keyguard admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/kenneth/field-keyguard/internal/api"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/lifecycle"
	"github.com/kenneth/field-keyguard/internal/middleware"
)

const defaultTimeout = 30 * time.Second

// Client talks to a keyguard server.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	maxRetries uint
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets how many times idempotent reads are retried on
// transport errors and 503 responses.
func WithRetries(n uint) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:       u,
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxRetries: 3,
		userAgent:  "keyguard-client",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health is the /health response.
type Health struct {
	Status      string `json:"status"`
	Maintenance bool   `json:"maintenance"`
	Suspended   bool   `json:"suspended"`
}

// GenerateRequest describes a new key. Durations use time.ParseDuration syntax.
type GenerateRequest struct {
	Usage            string `json:"usage"`
	Level            string `json:"level,omitempty"`
	RotationInterval string `json:"rotation_interval,omitempty"`
	MaxKeyAge        string `json:"max_key_age,omitempty"`
	MaxUsage         uint64 `json:"max_usage,omitempty"`
	AllowExport      bool   `json:"allow_export,omitempty"`
	Algorithm        string `json:"algorithm,omitempty"`
}

// KeyResult is returned by generate and rotate.
type KeyResult struct {
	KeyID    string             `json:"key_id"`
	Previous string             `json:"previous_key_id,omitempty"`
	Key      *keystore.Metadata `json:"key,omitempty"`
}

// RevokeRequest revokes a key, or marks it compromised.
type RevokeRequest struct {
	Reason      string `json:"reason"`
	Wipe        bool   `json:"wipe,omitempty"`
	Compromised bool   `json:"compromised,omitempty"`
}

// RevokeResult reports the new status and, for compromised keys, the
// replacement.
type RevokeResult struct {
	KeyID       string `json:"key_id"`
	Status      string `json:"status"`
	Replacement string `json:"replacement_key_id,omitempty"`
}

// PublicKey is a key's public half.
type PublicKey struct {
	KeyID     string `json:"key_id"`
	Usage     string `json:"usage,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	PublicKey []byte `json:"public_key"`
}

// Selector chooses an explicit key, or the current key of a usage.
type Selector struct {
	KeyID string `json:"key_id,omitempty"`
	Usage string `json:"usage,omitempty"`
}

// Ciphertext is an encryption result.
type Ciphertext struct {
	KeyID      string `json:"key_id"`
	Ciphertext []byte `json:"ciphertext"`
}

// Signature is a signing result.
type Signature struct {
	KeyID     string `json:"key_id"`
	Signature []byte `json:"signature"`
}

// RestoreResult reports how many keys a restore brought back.
type RestoreResult struct {
	Restored int      `json:"restored"`
	Dropped  []string `json:"dropped,omitempty"`
	Revoked  []string `json:"revoked,omitempty"`
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	return &out, c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
}

// Stats returns the lifecycle counters.
func (c *Client) Stats(ctx context.Context) (*lifecycle.Stats, error) {
	var out lifecycle.Stats
	return &out, c.do(ctx, http.MethodGet, "/v1/stats", nil, nil, &out)
}

// ListKeys lists key metadata, optionally filtered by usage and status.
func (c *Client) ListKeys(ctx context.Context, usage, status string) ([]keystore.Metadata, error) {
	q := url.Values{}
	if usage != "" {
		q.Set("usage", usage)
	}
	if status != "" {
		q.Set("status", status)
	}
	var out struct {
		Keys []keystore.Metadata `json:"keys"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/keys", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// GenerateKey creates a key.
func (c *Client) GenerateKey(ctx context.Context, req GenerateRequest) (*KeyResult, error) {
	var out KeyResult
	return &out, c.do(ctx, http.MethodPost, "/v1/keys", nil, req, &out)
}

// KeyInfo returns one key's metadata.
func (c *Client) KeyInfo(ctx context.Context, id string) (*keystore.Metadata, error) {
	var out keystore.Metadata
	return &out, c.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(id), nil, nil, &out)
}

// RotateKey rotates id and returns its successor.
func (c *Client) RotateKey(ctx context.Context, id string) (*KeyResult, error) {
	var out KeyResult
	return &out, c.do(ctx, http.MethodPost, "/v1/keys/"+url.PathEscape(id)+"/rotate", nil, struct{}{}, &out)
}

// RevokeKey revokes id.
func (c *Client) RevokeKey(ctx context.Context, id string, req RevokeRequest) (*RevokeResult, error) {
	var out RevokeResult
	return &out, c.do(ctx, http.MethodPost, "/v1/keys/"+url.PathEscape(id)+"/revoke", nil, req, &out)
}

// PublicKey fetches the public half of an asymmetric key.
func (c *Client) PublicKey(ctx context.Context, id string) (*PublicKey, error) {
	var out PublicKey
	return &out, c.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(id)+"/public", nil, nil, &out)
}

// SessionKey fetches the current ephemeral session public key.
func (c *Client) SessionKey(ctx context.Context) (*PublicKey, error) {
	var out PublicKey
	return &out, c.do(ctx, http.MethodGet, "/v1/session", nil, nil, &out)
}

// Encrypt seals plaintext under the selected key.
func (c *Client) Encrypt(ctx context.Context, sel Selector, plaintext []byte) (*Ciphertext, error) {
	req := struct {
		Selector
		Plaintext []byte `json:"plaintext"`
	}{sel, plaintext}
	var out Ciphertext
	return &out, c.do(ctx, http.MethodPost, "/v1/encrypt", nil, req, &out)
}

// Decrypt opens ciphertext produced by Encrypt.
func (c *Client) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	req := struct {
		KeyID      string `json:"key_id"`
		Ciphertext []byte `json:"ciphertext"`
	}{keyID, ciphertext}
	var out struct {
		Plaintext []byte `json:"plaintext"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/decrypt", nil, req, &out); err != nil {
		return nil, err
	}
	return out.Plaintext, nil
}

// Sign signs message with the selected key.
func (c *Client) Sign(ctx context.Context, sel Selector, message []byte) (*Signature, error) {
	req := struct {
		Selector
		Message []byte `json:"message"`
	}{sel, message}
	var out Signature
	return &out, c.do(ctx, http.MethodPost, "/v1/sign", nil, req, &out)
}

// Verify checks a signature. A mismatch is (false, nil).
func (c *Client) Verify(ctx context.Context, keyID string, message, signature []byte) (bool, error) {
	req := struct {
		KeyID     string `json:"key_id"`
		Message   []byte `json:"message"`
		Signature []byte `json:"signature"`
	}{keyID, message, signature}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/verify", nil, req, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// Backup triggers a backup and returns its object name.
func (c *Client) Backup(ctx context.Context) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/maintenance/backup", nil, struct{}{}, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

// Restore restores the named backup, or the latest when name is empty.
func (c *Client) Restore(ctx context.Context, name string) (*RestoreResult, error) {
	req := struct {
		Name string `json:"name,omitempty"`
	}{name}
	var out RestoreResult
	return &out, c.do(ctx, http.MethodPost, "/v1/maintenance/restore", nil, req, &out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	reqID := uuid.NewString()

	attempt := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set(middleware.RequestIDHeader, reqID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			apiErr := decodeError(resp)
			if resp.StatusCode == http.StatusServiceUnavailable {
				return struct{}{}, apiErr
			}
			return struct{}{}, backoff.Permanent(apiErr)
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return struct{}{}, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return struct{}{}, nil
	}

	if method != http.MethodGet || c.maxRetries == 0 {
		_, err := attempt()
		return unwrapPermanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxRetries+1),
	)
	return err
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// decodeError reads the server's JSON error body. Non-JSON bodies become a
// generic error carrying the status text.
func decodeError(resp *http.Response) *api.APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &api.APIError{}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	apiErr.HTTPStatus = resp.StatusCode
	return apiErr
}

// StatusCode returns the HTTP status of an API error, or 0.
func StatusCode(err error) int {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus
	}
	return 0
}
