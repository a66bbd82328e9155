package logging

import (
	"errors"
	"log/slog"
	"testing"
)

func TestFieldHelpers(t *testing.T) {
	tests := []struct {
		name string
		attr slog.Attr
		key  string
		want string
	}{
		{"service", Service("core"), FieldService, "core"},
		{"tenant", TenantID("T1"), FieldTenantID, "T1"},
		{"event id", EventID("evt-1"), FieldEventID, "evt-1"},
		{"event type", EventType("TaskCreated"), FieldEventType, "TaskCreated"},
		{"handler", HandlerID("task-enricher"), FieldHandlerID, "task-enricher"},
		{"ordering key", OrderingKey("T1:42"), FieldOrderingKey, "T1:42"},
		{"message", MessageID("msg-1"), FieldMessageID, "msg-1"},
		{"consumer", ConsumerID("consumer-0"), FieldConsumerID, "consumer-0"},
		{"method", Method("POST"), FieldMethod, "POST"},
		{"path", Path("/api/v1/tasks"), FieldPath, "/api/v1/tasks"},
		{"error", Error(errors.New("boom")), FieldError, "boom"},
		{"nil error", Error(nil), FieldError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.key {
				t.Errorf("key = %q, want %q", tt.attr.Key, tt.key)
			}
			if got := tt.attr.Value.String(); got != tt.want {
				t.Errorf("value = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNumericFieldHelpers(t *testing.T) {
	if got := Attempt(3).Value.Int64(); got != 3 {
		t.Errorf("Attempt value = %d, want 3", got)
	}
	if got := Status(404).Value.Int64(); got != 404 {
		t.Errorf("Status value = %d, want 404", got)
	}
	if got := Duration(1500).Value.Int64(); got != 1500 {
		t.Errorf("Duration value = %d, want 1500", got)
	}
}
