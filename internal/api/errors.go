package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/kenneth/field-keyguard/internal/keyerr"
	"github.com/kenneth/field-keyguard/internal/storage"
)

// APIError is the JSON error body of every failed request.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	KeyID      string `json:"key_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	if err := json.NewEncoder(w).Encode(e); err != nil {
		http.Error(w, e.Message, e.HTTPStatus)
	}
}

func (e *APIError) withRequestID(id string) *APIError {
	c := *e
	c.RequestID = id
	return &c
}

// TranslateError maps key-management errors to HTTP errors.
func TranslateError(err error, requestID string) *APIError {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.withRequestID(requestID)
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return ErrPayloadTooLarge.withRequestID(requestID)
	}

	if errors.Is(err, storage.ErrNotFound) {
		return ErrBackupNotFound.withRequestID(requestID)
	}

	out := &APIError{
		Code:      keyerr.Label(err),
		RequestID: requestID,
	}
	var kerr *keyerr.Error
	if errors.As(err, &kerr) {
		out.KeyID = kerr.KeyID
	}

	switch keyerr.Kind(err) {
	case keyerr.ErrKeyNotFound:
		out.HTTPStatus = http.StatusNotFound
		out.Message = "The specified key does not exist."
	case keyerr.ErrKeyInvalidState:
		out.HTTPStatus = http.StatusConflict
		out.Message = "The key is not in a state that permits this operation."
	case keyerr.ErrInvalidParameters:
		out.HTTPStatus = http.StatusBadRequest
		out.Message = err.Error()
	case keyerr.ErrIntegrityFailure:
		out.HTTPStatus = http.StatusBadRequest
		out.Message = "Integrity check failed."
	case keyerr.ErrExportNotAllowed:
		out.HTTPStatus = http.StatusForbidden
		out.Message = "The key is not exportable."
	case keyerr.ErrStorageUnavailable:
		out.HTTPStatus = http.StatusServiceUnavailable
		out.Message = "Storage is unavailable."
		// Surface the backend's error code for S3 offsite failures.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			out.Message = fmt.Sprintf("Storage is unavailable: %s", apiErr.ErrorCode())
		}
	case keyerr.ErrNotInitialized:
		out.HTTPStatus = http.StatusServiceUnavailable
		out.Message = "The key manager is not initialized."
	default:
		out.HTTPStatus = http.StatusInternalServerError
		out.Message = "We encountered an internal error. Please try again."
	}
	return out
}

// Predefined request errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "invalid_request",
		Message:    "The request body could not be parsed.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingKeySelector = &APIError{
		Code:       "invalid_request",
		Message:    "Either key_id or usage is required.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrBackupNotFound = &APIError{
		Code:       "backup_not_found",
		Message:    "The specified backup does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrPayloadTooLarge = &APIError{
		Code:       "payload_too_large",
		Message:    "The request body exceeds the configured limit.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
)
