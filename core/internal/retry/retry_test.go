package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{500, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.retry), "retry %d", tt.retry)
	}
}

func TestPolicyDefaults(t *testing.T) {
	var p Policy
	assert.Equal(t, DefaultPolicy.Initial, p.Delay(1))
	assert.Equal(t, 2*DefaultPolicy.Initial, p.Delay(2))

	flat := Policy{Initial: 50 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 1}
	assert.Equal(t, 50*time.Millisecond, flat.Delay(3))
}
