package logging

import "log/slog"

// Common field names for consistent logging across the pipeline.
const (
	FieldService     = "service"
	FieldRequestID   = "request_id"
	FieldTenantID    = "tenant_id"
	FieldEventID     = "event_id"
	FieldEventType   = "event_type"
	FieldHandlerID   = "handler_id"
	FieldOrderingKey = "ordering_key"
	FieldMessageID   = "message_id"
	FieldConsumerID  = "consumer_id"
	FieldAttempt     = "attempt"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatus      = "status"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// TenantID returns a slog attribute for the tenant identifier.
func TenantID(id string) slog.Attr {
	return slog.String(FieldTenantID, id)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for an event type tag.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// HandlerID returns a slog attribute for an event handler identifier.
func HandlerID(id string) slog.Attr {
	return slog.String(FieldHandlerID, id)
}

// OrderingKey returns a slog attribute for a queue ordering key.
func OrderingKey(key string) slog.Attr {
	return slog.String(FieldOrderingKey, key)
}

// MessageID returns a slog attribute for a queue message ID.
func MessageID(id string) slog.Attr {
	return slog.String(FieldMessageID, id)
}

// ConsumerID returns a slog attribute for a queue consumer.
func ConsumerID(id string) slog.Attr {
	return slog.String(FieldConsumerID, id)
}

// Attempt returns a slog attribute for a delivery attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
