package messaging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "taskhub.events.T1.TaskCreated", EventSubject("T1", "TaskCreated"))
	assert.Equal(t, "taskhub.events.a_b.x_y", EventSubject("a.b", "x*y"))
	assert.Equal(t, "taskhub.events._._", EventSubject("", ""))
}

func TestDeadLetterSubject(t *testing.T) {
	assert.Equal(t, "taskhub.dlq.hub.T1", DeadLetterSubject("hub", "T1"))
	assert.Equal(t, "taskhub.dlq.queue.T2", DeadLetterSubject("queue", "T2"))
	assert.Equal(t, "taskhub.dlq._._", DeadLetterSubject(">", ""))
}

func TestSubjects_UseTaskhubNamespace(t *testing.T) {
	for _, s := range []string{SubjectEventsPrefix, SubjectDeadLetterPrefix, SubjectAlertsDeadLetter} {
		assert.True(t, strings.HasPrefix(s, "taskhub."), s)
		assert.NotContains(t, s, " ")
	}
}
