package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeKeyOperation covers encrypt, decrypt, sign, verify and
	// the other hot-path uses of a key.
	EventTypeKeyOperation EventType = "key_operation"
	// EventTypeLifecycle covers generation, rotation, expiry, revocation,
	// import, export, backup and restore.
	EventTypeLifecycle EventType = "key_lifecycle"
	// EventTypeSecurity marks integrity failures and compromises.
	EventTypeSecurity EventType = "security"
	// EventTypeAccess represents an admin API request.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event. It never carries key
// material or plaintext.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	KeyID      string                 `json:"key_id,omitempty"`
	NewKeyID   string                 `json:"new_key_id,omitempty"`
	Usage      string                 `json:"usage,omitempty"`
	Algorithm  string                 `json:"algorithm,omitempty"`
	KeyVersion uint32                 `json:"key_version,omitempty"`
	ClientIP   string                 `json:"client_ip,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// KeyOperation describes one use of a key for LogKeyOperation.
type KeyOperation struct {
	Operation  string
	KeyID      string
	Usage      string
	Algorithm  string
	KeyVersion uint32
	Duration   time.Duration
	Metadata   map[string]interface{}
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogKeyOperation logs a hot-path key use.
	LogKeyOperation(op KeyOperation, err error)

	// LogLifecycle logs a lifecycle transition.
	LogLifecycle(operation, keyID, newKeyID, usage, reason string, automatic bool, err error)

	// LogSecurity logs an integrity failure or compromise.
	LogSecurity(operation, keyID, detail string, err error)

	// LogAccess logs an admin API request.
	LogAccess(operation, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// Events returns a copy of the buffered events, oldest first.
	Events() []*AuditEvent
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	now       func() time.Time
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger keeping the last maxEvents events.
// A nil writer writes JSON lines to stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents < 1 {
		maxEvents = 1
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		now:       time.Now,
	}
}

// Log logs an audit event. A writer failure does not drop the event from
// the in-memory buffer; it is returned to the caller.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	var werr error
	if l.writer != nil {
		werr = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return werr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// LogKeyOperation logs a hot-path key use.
func (l *auditLogger) LogKeyOperation(op KeyOperation, err error) {
	_ = l.Log(&AuditEvent{
		EventType:  EventTypeKeyOperation,
		Operation:  op.Operation,
		KeyID:      op.KeyID,
		Usage:      op.Usage,
		Algorithm:  op.Algorithm,
		KeyVersion: op.KeyVersion,
		Success:    err == nil,
		Error:      errString(err),
		Duration:   op.Duration,
		Metadata:   op.Metadata,
	})
}

// LogLifecycle logs a lifecycle transition.
func (l *auditLogger) LogLifecycle(operation, keyID, newKeyID, usage, reason string, automatic bool, err error) {
	event := &AuditEvent{
		EventType: EventTypeLifecycle,
		Operation: operation,
		KeyID:     keyID,
		NewKeyID:  newKeyID,
		Usage:     usage,
		Success:   err == nil,
		Error:     errString(err),
	}
	if reason != "" || automatic {
		event.Metadata = map[string]interface{}{
			"reason":    reason,
			"automatic": automatic,
		}
	}
	_ = l.Log(event)
}

// LogSecurity logs an integrity failure or compromise.
func (l *auditLogger) LogSecurity(operation, keyID, detail string, err error) {
	event := &AuditEvent{
		EventType: EventTypeSecurity,
		Operation: operation,
		KeyID:     keyID,
		Success:   false,
		Error:     errString(err),
	}
	if detail != "" {
		event.Metadata = map[string]interface{}{"detail": detail}
	}
	_ = l.Log(event)
}

// LogAccess logs an admin API request.
func (l *auditLogger) LogAccess(operation, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	_ = l.Log(&AuditEvent{
		EventType: EventTypeAccess,
		Operation: operation,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		RequestID: requestID,
		Success:   success,
		Error:     errString(err),
		Duration:  duration,
	})
}

// Events returns all buffered audit events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// jsonWriter writes one JSON document per event.
type jsonWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONWriter returns a writer emitting JSON lines to w.
func NewJSONWriter(w io.Writer) EventWriter {
	return &jsonWriter{enc: json.NewEncoder(w)}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(event); err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return nil
}

// logrusWriter routes events through the application logger so they share
// its formatter and output.
type logrusWriter struct {
	logger logrus.FieldLogger
}

// NewLogrusWriter returns a writer logging each event at info level, or
// warn level for failures and security events.
func NewLogrusWriter(logger logrus.FieldLogger) EventWriter {
	return &logrusWriter{logger: logger}
}

func (w *logrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": string(event.EventType),
		"operation":  event.Operation,
		"success":    event.Success,
	}
	if event.KeyID != "" {
		fields["key_id"] = event.KeyID
	}
	if event.NewKeyID != "" {
		fields["new_key_id"] = event.NewKeyID
	}
	if event.Usage != "" {
		fields["usage"] = event.Usage
	}
	if event.Algorithm != "" {
		fields["algorithm"] = event.Algorithm
	}
	if event.ClientIP != "" {
		fields["client_ip"] = event.ClientIP
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := w.logger.WithFields(fields)
	if !event.Success || event.EventType == EventTypeSecurity {
		entry.Warn("audit")
	} else {
		entry.Info("audit")
	}
	return nil
}
