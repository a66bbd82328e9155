package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		ok      bool
	}{
		{"TaskCreated", true},
		{"Task*", true},
		{"*", true},
		{"", false},
		{"*Created", false},
		{"Ta*sk", false},
		{"Task Created", false},
	}
	for _, tt := range tests {
		err := ValidatePattern(tt.pattern)
		if tt.ok {
			assert.NoError(t, err, tt.pattern)
		} else {
			assert.ErrorIs(t, err, ErrInvalidPattern, tt.pattern)
		}
	}
}

func TestSubscriptionTable_Match(t *testing.T) {
	table := NewSubscriptionTable()
	mustSubscribe := func(pattern, handler string) {
		_, err := table.Subscribe(pattern, handler)
		require.NoError(t, err)
	}
	mustSubscribe("TaskCreated", "exact")
	mustSubscribe("Task*", "prefix")
	mustSubscribe("*", "all")
	mustSubscribe("TaskCreated", "prefix")

	tests := []struct {
		eventType string
		want      []string
	}{
		{"TaskCreated", []string{"all", "exact", "prefix"}},
		{"TaskUpdated", []string{"all", "prefix"}},
		{"AttachmentUploaded", []string{"all"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, table.Match(tt.eventType), tt.eventType)
	}
}

func TestSubscriptionTable_Versions(t *testing.T) {
	table := NewSubscriptionTable()
	assert.Equal(t, uint64(0), table.Version())

	v1, err := table.Subscribe("Task*", "h1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	again, err := table.Subscribe("Task*", "h1")
	require.NoError(t, err)
	assert.Equal(t, v1, again, "duplicate subscribe does not bump the version")

	before := table.Snapshot()

	v2, err := table.Unsubscribe("Task*", "h1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)
	assert.Empty(t, table.Match("TaskCreated"))

	_, err = table.Unsubscribe("Task*", "h1")
	assert.ErrorIs(t, err, ErrNotSubscribed)

	assert.Equal(t, Snapshot{Version: 1, Subscriptions: []Subscription{{Pattern: "Task*", Handlers: []string{"h1"}}}}, before,
		"snapshots are immutable")
}

func TestSubscriptionTable_ConcurrentMutations(t *testing.T) {
	table := NewSubscriptionTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = table.Subscribe("Task*", string(rune('a'+i%26))+"-h")
		}(i)
		go func() {
			defer wg.Done()
			_ = table.Match("TaskCreated")
		}()
	}
	wg.Wait()

	snap := table.Snapshot()
	require.Len(t, snap.Subscriptions, 1)
	assert.Len(t, snap.Subscriptions[0].Handlers, 26)
	assert.Equal(t, uint64(26), snap.Version)
}
