package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type recordingWriter struct {
	events []*AuditEvent
	err    error
}

func (w *recordingWriter) WriteEvent(event *AuditEvent) error {
	w.events = append(w.events, event)
	return w.err
}

func TestAuditLogger_LogKeyOperation(t *testing.T) {
	w := &recordingWriter{}
	logger := NewLogger(100, w)

	logger.LogKeyOperation(KeyOperation{
		Operation:  "encrypt",
		KeyID:      "k-1",
		Usage:      "data_encryption",
		Algorithm:  "AES256-GCM",
		KeyVersion: 2,
		Duration:   3 * time.Millisecond,
	}, nil)

	events := logger.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeKeyOperation {
		t.Fatalf("expected event type %s, got %s", EventTypeKeyOperation, event.EventType)
	}
	if event.KeyID != "k-1" || event.KeyVersion != 2 {
		t.Fatalf("unexpected key fields: %+v", event)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}
	if event.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
	if len(w.events) != 1 {
		t.Fatalf("expected writer to receive 1 event, got %d", len(w.events))
	}
}

func TestAuditLogger_LogLifecycle(t *testing.T) {
	logger := NewLogger(100, &recordingWriter{})

	logger.LogLifecycle("key_rotated", "old", "new", "signature", "usage limit reached", true, nil)

	event := logger.Events()[0]
	if event.EventType != EventTypeLifecycle {
		t.Fatalf("expected event type %s, got %s", EventTypeLifecycle, event.EventType)
	}
	if event.NewKeyID != "new" {
		t.Fatalf("expected new key id, got %q", event.NewKeyID)
	}
	if event.Metadata["automatic"] != true || event.Metadata["reason"] != "usage limit reached" {
		t.Fatalf("unexpected metadata: %v", event.Metadata)
	}
}

func TestAuditLogger_LogSecurity(t *testing.T) {
	logger := NewLogger(100, &recordingWriter{})

	logger.LogSecurity("integrity_failure", "k-9", "decrypt", errors.New("checksum mismatch"))

	event := logger.Events()[0]
	if event.EventType != EventTypeSecurity {
		t.Fatalf("expected event type %s, got %s", EventTypeSecurity, event.EventType)
	}
	if event.Success {
		t.Fatal("security events are never successes")
	}
	if event.Error != "checksum mismatch" {
		t.Fatalf("expected error 'checksum mismatch', got %s", event.Error)
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, &recordingWriter{})

	for i := 0; i < 10; i++ {
		logger.LogAccess("GET /v1/stats", "10.0.0.1", "keyctl", "", true, nil, time.Millisecond)
	}

	events := logger.Events()
	if len(events) != 5 {
		t.Fatalf("expected 5 events (max), got %d", len(events))
	}
}

func TestAuditLogger_WriterErrorKeepsEvent(t *testing.T) {
	w := &recordingWriter{err: errors.New("disk full")}
	logger := NewLogger(10, w)

	err := logger.Log(&AuditEvent{EventType: EventTypeAccess, Operation: "probe", Success: true})
	if err == nil {
		t.Fatal("expected writer error to be returned")
	}
	if len(logger.Events()) != 1 {
		t.Fatal("expected event to stay buffered")
	}
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(10, NewJSONWriter(&buf))

	logger.LogKeyOperation(KeyOperation{Operation: "sign", KeyID: "k-2"}, errors.New("key in invalid state"))

	var decoded AuditEvent
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.Operation != "sign" || decoded.Success {
		t.Fatalf("unexpected event: %+v", decoded)
	}
}

func TestLogrusWriter(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	logger := NewLogger(10, NewLogrusWriter(base))

	logger.LogLifecycle("key_generated", "k-3", "", "backup", "", false, nil)
	logger.LogSecurity("key_compromised", "k-3", "tamper switch", nil)

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != logrus.InfoLevel || entries[0].Data["key_id"] != "k-3" {
		t.Fatalf("unexpected first entry: %v %v", entries[0].Level, entries[0].Data)
	}
	if entries[1].Level != logrus.WarnLevel {
		t.Fatalf("expected security event at warn level, got %v", entries[1].Level)
	}
	if !strings.Contains(entries[1].Data["detail"].(string), "tamper") {
		t.Fatalf("expected detail field, got %v", entries[1].Data)
	}
}
