package signaling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, string(p))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestMemoryBroker_LateSubscriberGetsReplayThenLive(t *testing.T) {
	broker := NewMemoryBroker(clock.NewMock(), time.Minute, 0)
	ctx := context.Background()

	pub, err := broker.OpenTopic(ctx, "call:a")
	require.NoError(t, err)
	require.NoError(t, pub.Send(ctx, "signal", []byte("one")))
	require.NoError(t, pub.Send(ctx, "signal", []byte("two")))

	sub, err := broker.OpenTopic(ctx, "call:a")
	require.NoError(t, err)
	rec := &recorder{}
	sub.On("signal", rec.add)

	require.NoError(t, pub.Send(ctx, "signal", []byte("three")))

	assert.Eventually(t, func() bool { return len(rec.list()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, rec.list())
}

func TestMemoryBroker_RetentionDropsOldMessages(t *testing.T) {
	clk := clock.NewMock()
	broker := NewMemoryBroker(clk, time.Minute, 0)
	ctx := context.Background()

	pub, _ := broker.OpenTopic(ctx, "call:b")
	require.NoError(t, pub.Send(ctx, "signal", []byte("stale")))
	clk.Add(2 * time.Minute)
	require.NoError(t, pub.Send(ctx, "signal", []byte("fresh")))

	sub, _ := broker.OpenTopic(ctx, "call:b")
	rec := &recorder{}
	sub.On("signal", rec.add)

	assert.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"fresh"}, rec.list())
}

func TestMemoryBroker_MaxLenKeepsNewest(t *testing.T) {
	broker := NewMemoryBroker(clock.NewMock(), 0, 2)
	ctx := context.Background()

	pub, _ := broker.OpenTopic(ctx, "call:c")
	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, pub.Send(ctx, "signal", []byte(m)))
	}

	sub, _ := broker.OpenTopic(ctx, "call:c")
	rec := &recorder{}
	sub.On("signal", rec.add)

	assert.Eventually(t, func() bool { return len(rec.list()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"2", "3"}, rec.list())
}

func TestMemoryBroker_EventsAreRoutedByName(t *testing.T) {
	broker := NewMemoryBroker(nil, time.Minute, 0)
	ctx := context.Background()

	topic, _ := broker.OpenTopic(ctx, "user:x:calls")
	invites := &recorder{}
	signals := &recorder{}
	topic.On("invite", invites.add)
	topic.On("signal", signals.add)

	require.NoError(t, topic.Send(ctx, "invite", []byte("i")))
	require.NoError(t, topic.Send(ctx, "signal", []byte("s")))

	assert.Eventually(t, func() bool {
		return len(invites.list()) == 1 && len(signals.list()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBroker_CloseDetachesHandle(t *testing.T) {
	broker := NewMemoryBroker(nil, time.Minute, 0)
	ctx := context.Background()

	topic, _ := broker.OpenTopic(ctx, "call:d")
	assert.Equal(t, 1, broker.Subscribers("call:d"))

	require.NoError(t, topic.Close())
	require.NoError(t, topic.Close())
	assert.Equal(t, 0, broker.Subscribers("call:d"))
	assert.ErrorIs(t, topic.Send(ctx, "signal", nil), ErrTopicClosed)
}

func TestMemoryBroker_IdleTopicsAreSwept(t *testing.T) {
	clk := clock.NewMock()
	broker := NewMemoryBroker(clk, time.Minute, 0)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		topic, err := broker.OpenTopic(ctx, fmt.Sprintf("call:%d", i))
		require.NoError(t, err)
		require.NoError(t, topic.Send(ctx, "signal", []byte("offer")))
		require.NoError(t, topic.Close())
	}
	assert.Equal(t, 100, broker.Topics())

	clk.Add(time.Hour)

	topic, err := broker.OpenTopic(ctx, "call:next")
	require.NoError(t, err)
	assert.Equal(t, 1, broker.Topics())
	require.NoError(t, topic.Close())
	assert.Zero(t, broker.Topics())
}

func TestMemoryBroker_HeldTopicSurvivesSweep(t *testing.T) {
	clk := clock.NewMock()
	broker := NewMemoryBroker(clk, time.Minute, 0)
	ctx := context.Background()

	held, _ := broker.OpenTopic(ctx, "call:held")
	require.NoError(t, held.Send(ctx, "signal", []byte("offer")))
	clk.Add(time.Hour)

	other, _ := broker.OpenTopic(ctx, "call:other")
	require.NoError(t, other.Close())

	assert.Equal(t, 1, broker.Topics())
	assert.Equal(t, 1, broker.Subscribers("call:held"))
	require.NoError(t, held.Close())
	assert.Zero(t, broker.Topics())
}
