package messaging

import "strings"

// Subject names on the taskhub bus. Pattern: taskhub.{domain}.{...}
const (
	// SubjectEventsPrefix prefixes every domain event: taskhub.events.{tenant}.{type}
	SubjectEventsPrefix = "taskhub.events"

	// SubjectDeadLetterPrefix prefixes dead-letter entries: taskhub.dlq.{source}
	SubjectDeadLetterPrefix = "taskhub.dlq"

	// SubjectAlertsDeadLetter carries an alert for every dead-lettered event or message.
	SubjectAlertsDeadLetter = "taskhub.alerts.deadletter"
)

// EventSubject returns the subject an event of the given tenant and type is stored under.
// Example: taskhub.events.T1.TaskCreated
func EventSubject(tenantID, eventType string) string {
	return SubjectEventsPrefix + "." + sanitizeToken(tenantID) + "." + sanitizeToken(eventType)
}

// DeadLetterSubject returns the subject for a tenant's dead letters originating from source.
func DeadLetterSubject(source, tenantID string) string {
	return SubjectDeadLetterPrefix + "." + sanitizeToken(source) + "." + sanitizeToken(tenantID)
}

// sanitizeToken keeps a subject token free of separators and wildcards.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
