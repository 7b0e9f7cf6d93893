package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/nativebridge/contracts"
	"github.com/glimte/nativebridge/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *collector) handle(d messaging.TransportDelivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, d.Body())
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestTransportLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("publish before connect fails", func(t *testing.T) {
		tr := NewTransport()
		err := tr.Publisher().Publish(ctx, contracts.ChannelUp, []byte(`[]`))
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.False(t, tr.IsConnected())
	})

	t.Run("subscribe before connect fails", func(t *testing.T) {
		tr := NewTransport()
		err := tr.Subscriber().Subscribe(ctx, contracts.ChannelDown, (&collector{}).handle)
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("one consumer per channel", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Connect(ctx))
		defer tr.Close()

		require.NoError(t, tr.Subscriber().Subscribe(ctx, contracts.ChannelDown, (&collector{}).handle))
		err := tr.Subscriber().Subscribe(ctx, contracts.ChannelDown, (&collector{}).handle)
		assert.ErrorIs(t, err, ErrAlreadySubscribed)
	})

	t.Run("close disconnects", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Connect(ctx))
		require.NoError(t, tr.Close())

		assert.False(t, tr.IsConnected())
		assert.ErrorIs(t, tr.Emit(ctx, contracts.ChannelDown, []byte(`[]`)), ErrNotConnected)
	})
}

func TestTransportDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("published frames reach host handlers", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Connect(ctx))
		defer tr.Close()

		var got []byte
		tr.HandleUp(contracts.ChannelUp, func(ctx context.Context, frame []byte) { got = frame })

		require.NoError(t, tr.Publisher().Publish(ctx, contracts.ChannelUp, []byte(`["x"]`)))
		assert.Equal(t, `["x"]`, string(got))
	})

	t.Run("emitted frames arrive in order", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Connect(ctx))
		defer tr.Close()

		c := &collector{}
		require.NoError(t, tr.Subscriber().Subscribe(ctx, contracts.ChannelDown, c.handle))

		for _, frame := range []string{`[null,1]`, `[null,2]`, `[null,3]`} {
			require.NoError(t, tr.Emit(ctx, contracts.ChannelDown, []byte(frame)))
		}

		require.Eventually(t, func() bool { return c.count() == 3 }, time.Second, 5*time.Millisecond)
		c.mu.Lock()
		defer c.mu.Unlock()
		assert.Equal(t, `[null,1]`, string(c.frames[0]))
		assert.Equal(t, `[null,3]`, string(c.frames[2]))
	})

	t.Run("frames without consumer are dropped", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Connect(ctx))
		defer tr.Close()

		assert.NoError(t, tr.Emit(ctx, contracts.ChannelDown, []byte(`[null,1]`)))
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Connect(ctx))
		defer tr.Close()

		c := &collector{}
		require.NoError(t, tr.Subscriber().Subscribe(ctx, contracts.ChannelDown, c.handle))
		require.NoError(t, tr.Subscriber().Unsubscribe(contracts.ChannelDown))

		require.NoError(t, tr.Emit(ctx, contracts.ChannelDown, []byte(`[null,1]`)))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, c.count())
	})
}

func TestTransportRespond(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	tr.Respond(func(ctx context.Context, envelope *contracts.RequestEnvelope, args []json.RawMessage) (any, error) {
		var cmdName string
		if err := json.Unmarshal(args[0], &cmdName); err != nil {
			return nil, err
		}
		if cmdName == "silent" {
			return nil, errors.New("no answer")
		}
		return map[string]string{"echo": cmdName}, nil
	})

	dispatcher := messaging.NewDispatcher()
	require.NoError(t, tr.Subscriber().Subscribe(ctx, contracts.ChannelDown, dispatcher.HandleDelivery))

	correlator, err := messaging.NewCorrelator(tr.Publisher(), dispatcher)
	require.NoError(t, err)

	result, err := correlator.Invoke(ctx, "ns-ntApi", "cmdX", false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"cmdX"}`, string(result))

	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = correlator.Invoke(shortCtx, "ns-ntApi", "silent", false)
	assert.ErrorIs(t, err, contracts.ErrRequestCancelled)
}
