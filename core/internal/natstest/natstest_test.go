package natstest_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub-stack/common/messaging"
	"github.com/telhawk-systems/taskhub-stack/core/internal/natstest"
)

func TestQueueSubscribe_GroupMembersShareMessages(t *testing.T) {
	c := natstest.New(t)
	ctx := context.Background()
	const subject = "taskhub.test.group"

	var first, second, fanout atomic.Int32
	count := func(n *atomic.Int32) messaging.MessageHandler {
		return func(context.Context, *messaging.Message) error {
			n.Add(1)
			return nil
		}
	}
	_, err := c.QueueSubscribe(subject, "watchers", count(&first))
	require.NoError(t, err)
	_, err = c.QueueSubscribe(subject, "watchers", count(&second))
	require.NoError(t, err)
	_, err = c.Subscribe(subject, count(&fanout))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Publish(ctx, subject, []byte("alert")))
	}

	require.Eventually(t, func() bool {
		return first.Load()+second.Load() == 20 && fanout.Load() == 20
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(20), first.Load()+second.Load(), "each message goes to one group member")
}

func TestDrain_WaitsForInFlightHandler(t *testing.T) {
	c := natstest.New(t)
	const subject = "taskhub.test.drain"

	started := make(chan struct{})
	var finished atomic.Bool
	_, err := c.Subscribe(subject, func(context.Context, *messaging.Message) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, c.Publish(context.Background(), subject, []byte("x")))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	require.NoError(t, c.Drain())
	assert.True(t, finished.Load())
	assert.False(t, c.IsConnected())
}
