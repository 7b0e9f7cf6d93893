package nativebridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/nativebridge/contracts"
	"github.com/glimte/nativebridge/interceptors"
	"github.com/glimte/nativebridge/messaging"
	"github.com/glimte/nativebridge/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoAnswer = errors.New("no answer")

// hostRecorder answers requests from a table keyed by command name and
// records every envelope it sees
type hostRecorder struct {
	mu        sync.Mutex
	envelopes []contracts.RequestEnvelope
	args      [][]json.RawMessage
	answers   map[string]any
	before    func(ctx context.Context, cmdName string)
}

func (h *hostRecorder) respond(ctx context.Context, env *contracts.RequestEnvelope, args []json.RawMessage) (any, error) {
	var cmdName string
	if len(args) > 0 {
		json.Unmarshal(args[0], &cmdName)
	}

	h.mu.Lock()
	h.envelopes = append(h.envelopes, *env)
	h.args = append(h.args, args)
	answer, ok := h.answers[cmdName]
	before := h.before
	h.mu.Unlock()

	if before != nil {
		before(ctx, cmdName)
	}
	if !ok {
		return nil, errNoAnswer
	}
	return answer, nil
}

func (h *hostRecorder) requests() []contracts.RequestEnvelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]contracts.RequestEnvelope, len(h.envelopes))
	copy(out, h.envelopes)
	return out
}

func (h *hostRecorder) argsOf(i int) []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.args[i]
}

func (h *hostRecorder) commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, args := range h.args {
		var cmdName string
		if len(args) > 0 {
			json.Unmarshal(args[0], &cmdName)
		}
		out = append(out, cmdName)
	}
	return out
}

func newBridge(t *testing.T, host *hostRecorder, opts ...Option) (*Native, *memory.Transport) {
	t.Helper()
	transport := memory.NewTransport()
	transport.Respond(host.respond)

	n, err := New(context.Background(), transport, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n, transport
}

func TestNew(t *testing.T) {
	t.Run("nil transport fails", func(t *testing.T) {
		_, err := New(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("connect failure is returned", func(t *testing.T) {
		_, err := New(context.Background(), &failingTransport{err: errors.New("refused")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect transport")
	})

	t.Run("starts the identity cache with a forced refresh", func(t *testing.T) {
		host := &hostRecorder{answers: map[string]any{contracts.GetBuddyListCommand: map[string]int{"result": 0}}}
		n, _ := newBridge(t, host)

		require.NotNil(t, n.Identity())
		assert.Eventually(t, func() bool {
			return len(host.commands()) == 1
		}, time.Second, 5*time.Millisecond)

		req := host.requests()[0]
		assert.Equal(t, "ns-ntApi-2", req.EventName)
		assert.JSONEq(t, `{"force_update":true}`, string(host.argsOf(0)[1]))
		assert.Eventually(t, func() bool { return n.Pending() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("identity cache can be disabled", func(t *testing.T) {
		host := &hostRecorder{}
		n, _ := newBridge(t, host, WithoutIdentityCache())

		assert.Nil(t, n.Identity())
		_, ok := n.ConvertUinToUid("U1")
		assert.False(t, ok)
		_, ok = n.ConvertUidToUin("D1")
		assert.False(t, ok)
		assert.Empty(t, host.commands())
	})
}

func TestInvokeNative(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves with the host result", func(t *testing.T) {
		host := &hostRecorder{answers: map[string]any{"cmdX": map[string]string{"ok": "yes"}}}
		n, transport := newBridge(t, host, WithoutIdentityCache())

		result, err := n.InvokeNative(ctx, "ns-ntApi", "cmdX", false)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":"yes"}`, string(result))
		assert.Equal(t, 0, n.Pending())

		// an unrelated frame afterwards must not disturb anything
		require.NoError(t, transport.EmitEvent(ctx, "onUnrelated", 1))
		assert.Equal(t, 0, n.Pending())
	})

	t.Run("builds the request envelope", func(t *testing.T) {
		host := &hostRecorder{answers: map[string]any{"cmdX": 1, "cmdY": 2}}
		n, _ := newBridge(t, host, WithoutIdentityCache())

		_, err := n.InvokeNative(ctx, "ns-ntApi", "cmdX", false, "a", 7)
		require.NoError(t, err)
		_, err = n.InvokeNative(ctx, "ns-ntApi", "cmdY", true)
		require.NoError(t, err)

		reqs := host.requests()
		require.Len(t, reqs, 2)
		assert.Equal(t, contracts.RequestType, reqs[0].Type)
		assert.Equal(t, "ns-ntApi-2", reqs[0].EventName)
		assert.Equal(t, "ns-ntApi-2-register", reqs[1].EventName)
		assert.NotEqual(t, reqs[0].CallbackID, reqs[1].CallbackID)

		args := host.argsOf(0)
		require.Len(t, args, 3)
		assert.JSONEq(t, `"cmdX"`, string(args[0]))
		assert.JSONEq(t, `"a"`, string(args[1]))
		assert.JSONEq(t, `7`, string(args[2]))
	})

	t.Run("concurrent calls get their own results", func(t *testing.T) {
		answers := map[string]any{}
		for i := 0; i < 20; i++ {
			answers[string(rune('a'+i))] = i
		}
		host := &hostRecorder{answers: answers}
		n, _ := newBridge(t, host, WithoutIdentityCache())

		var wg sync.WaitGroup
		for cmd, want := range answers {
			wg.Add(1)
			go func(cmd string, want int) {
				defer wg.Done()
				got, err := messaging.InvokeTyped[int](ctx, n, "ns", cmd, false)
				assert.NoError(t, err)
				assert.Equal(t, want, got)
			}(cmd, want.(int))
		}
		wg.Wait()
		assert.Equal(t, 0, n.Pending())
	})

	t.Run("unanswered call ends with its context", func(t *testing.T) {
		host := &hostRecorder{}
		n, _ := newBridge(t, host, WithoutIdentityCache())

		callCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := n.InvokeNative(callCtx, "ns-ntApi", "cmdX", false)
		assert.ErrorIs(t, err, contracts.ErrRequestCancelled)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, n.Pending())
	})

	t.Run("default timeout applies without a deadline", func(t *testing.T) {
		host := &hostRecorder{}
		n, _ := newBridge(t, host, WithoutIdentityCache(), WithRequestTimeout(20*time.Millisecond))

		_, err := n.InvokeNative(ctx, "ns-ntApi", "cmdX", false)
		assert.ErrorIs(t, err, contracts.ErrRequestCancelled)
	})

	t.Run("close releases waiting calls", func(t *testing.T) {
		host := &hostRecorder{}
		transport := memory.NewTransport()
		transport.Respond(host.respond)
		n, err := New(ctx, transport, WithoutIdentityCache())
		require.NoError(t, err)

		errs := make(chan error, 1)
		go func() {
			_, err := n.InvokeNative(ctx, "ns-ntApi", "cmdX", false)
			errs <- err
		}()

		require.Eventually(t, func() bool { return n.Pending() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, n.Close())
		require.NoError(t, n.Close())

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, contracts.ErrBridgeClosed)
		case <-time.After(time.Second):
			t.Fatal("call was not released")
		}
		assert.False(t, transport.IsConnected())
	})
}

func TestSubscribeEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("handler receives matching payloads", func(t *testing.T) {
		n, transport := newBridge(t, &hostRecorder{}, WithoutIdentityCache())

		payloads := make(chan json.RawMessage, 4)
		sub, err := n.SubscribeEvent("onMsgRecv", func(ctx context.Context, payload json.RawMessage) {
			payloads <- payload
		})
		require.NoError(t, err)
		assert.Equal(t, "onMsgRecv", sub.CmdName())

		require.NoError(t, transport.EmitEvent(ctx, "onOther", 0))
		require.NoError(t, transport.EmitEvent(ctx, "onMsgRecv", map[string]int{"n": 1}))

		select {
		case payload := <-payloads:
			assert.JSONEq(t, `{"n":1}`, string(payload))
		case <-time.After(time.Second):
			t.Fatal("event was not delivered")
		}
	})

	t.Run("no delivery after unsubscribe", func(t *testing.T) {
		n, transport := newBridge(t, &hostRecorder{}, WithoutIdentityCache())

		var mu sync.Mutex
		calls := 0
		sub, err := n.SubscribeEvent("onMsgRecv", func(ctx context.Context, payload json.RawMessage) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		require.NoError(t, err)

		// a marker subscription tells us when later frames have been processed
		marker := make(chan struct{}, 1)
		_, err = n.SubscribeEvent("onMarker", func(context.Context, json.RawMessage) { marker <- struct{}{} })
		require.NoError(t, err)

		require.NoError(t, transport.EmitEvent(ctx, "onMsgRecv", 1))
		require.NoError(t, transport.EmitEvent(ctx, "onMarker", nil))
		<-marker

		n.UnsubscribeEvent(sub)
		n.UnsubscribeEvent(sub)

		require.NoError(t, transport.EmitEvent(ctx, "onMsgRecv", 2))
		require.NoError(t, transport.EmitEvent(ctx, "onMarker", nil))
		<-marker

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, calls)
	})
}

func TestHandlerMayInvokeNative(t *testing.T) {
	ctx := context.Background()
	host := &hostRecorder{answers: map[string]any{"cmdX": "pong", "cmdY": 2}}
	n, transport := newBridge(t, host, WithoutIdentityCache())

	results := make(chan json.RawMessage, 1)
	errs := make(chan error, 1)
	_, err := n.SubscribeEvent("onPing", func(ctx context.Context, payload json.RawMessage) {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		result, err := n.InvokeNative(callCtx, "ns-ntApi", "cmdX", false)
		if err != nil {
			errs <- err
			return
		}
		results <- result
	})
	require.NoError(t, err)

	require.NoError(t, transport.EmitEvent(ctx, "onPing", nil))

	select {
	case result := <-results:
		assert.JSONEq(t, `"pong"`, string(result))
	case err := <-errs:
		t.Fatalf("invoke from handler failed: %v", err)
	case <-time.After(time.Second):
		t.Fatalf("invoke from handler still blocked; pending=%d", n.Pending())
	}

	// later replies keep flowing
	got, err := messaging.InvokeTyped[int](ctx, n, "ns-ntApi", "cmdY", false)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, 0, n.Pending())
}

func TestCloseFromEventHandler(t *testing.T) {
	n, transport := newBridge(t, &hostRecorder{}, WithoutIdentityCache())

	closed := make(chan error, 1)
	_, err := n.SubscribeEvent("onBye", func(context.Context, json.RawMessage) {
		closed <- n.Close()
	})
	require.NoError(t, err)

	require.NoError(t, transport.EmitEvent(context.Background(), "onBye", nil))

	select {
	case err := <-closed:
		assert.NoError(t, err)
		assert.False(t, transport.IsConnected())
	case <-time.After(time.Second):
		t.Fatal("close from an event handler blocked")
	}
}

func TestIdentityLookups(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh fills both directions", func(t *testing.T) {
		var transport *memory.Transport
		host := &hostRecorder{answers: map[string]any{contracts.GetBuddyListCommand: map[string]int{"result": 0}}}
		host.before = func(ctx context.Context, cmdName string) {
			if cmdName != contracts.GetBuddyListCommand {
				return
			}
			transport.EmitEvent(ctx, contracts.BuddyListChangeEvent, contracts.BuddyListChange{
				Data: []contracts.BuddyCategory{
					{BuddyList: []contracts.Friend{{Uin: "10001", Uid: "u_aaa"}}},
					{BuddyList: []contracts.Friend{{Uin: "10002", Uid: "u_bbb"}}},
				},
			})
		}

		transport = memory.NewTransport()
		transport.Respond(host.respond)
		n, err := New(ctx, transport)
		require.NoError(t, err)
		defer n.Close()

		require.Eventually(t, func() bool { return n.Identity().Len() == 2 }, time.Second, 5*time.Millisecond)

		uid, ok := n.ConvertUinToUid("10001")
		assert.True(t, ok)
		assert.Equal(t, "u_aaa", uid)

		uin, ok := n.ConvertUidToUin("u_bbb")
		assert.True(t, ok)
		assert.Equal(t, "10002", uin)

		_, ok = n.ConvertUinToUid("never-seen")
		assert.False(t, ok)
	})

	t.Run("later friend list changes are applied", func(t *testing.T) {
		host := &hostRecorder{}
		n, transport := newBridge(t, host)

		require.NoError(t, transport.EmitEvent(ctx, contracts.BuddyListChangeEvent, contracts.BuddyListChange{
			Data: []contracts.BuddyCategory{{BuddyList: []contracts.Friend{{Uin: "U1", Uid: "D1"}}}},
		}))

		require.Eventually(t, func() bool {
			uid, ok := n.ConvertUinToUid("U1")
			return ok && uid == "D1"
		}, time.Second, 5*time.Millisecond)

		uin, ok := n.ConvertUidToUin("D1")
		assert.True(t, ok)
		assert.Equal(t, "U1", uin)
	})

	t.Run("close clears lookups", func(t *testing.T) {
		n, transport := newBridge(t, &hostRecorder{})
		require.NoError(t, transport.EmitEvent(ctx, contracts.BuddyListChangeEvent, contracts.BuddyListChange{
			Data: []contracts.BuddyCategory{{BuddyList: []contracts.Friend{{Uin: "U1", Uid: "D1"}}}},
		}))
		require.Eventually(t, func() bool { return n.Identity().Len() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, n.Close())
		_, ok := n.ConvertUinToUid("U1")
		assert.False(t, ok)
	})
}

type failingTransport struct {
	err error
}

func (f *failingTransport) Publisher() messaging.TransportPublisher   { return nil }
func (f *failingTransport) Subscriber() messaging.TransportSubscriber { return nil }
func (f *failingTransport) Connect(ctx context.Context) error         { return f.err }
func (f *failingTransport) Close() error                              { return nil }
func (f *failingTransport) IsConnected() bool                         { return false }

func TestWithInterceptors(t *testing.T) {
	host := &hostRecorder{answers: map[string]any{"cmdX": 1}}
	n, _ := newBridge(t, host,
		WithoutIdentityCache(),
		WithInterceptors(interceptors.NewAllowlistInterceptor("ns-ntApi")),
	)

	_, err := n.InvokeNative(context.Background(), "ns-ntApi", "cmdX", false)
	require.NoError(t, err)

	_, err = n.InvokeNative(context.Background(), "ns-FsApi", "cmdX", false)
	assert.ErrorIs(t, err, interceptors.ErrNotAllowed)
	assert.Len(t, host.requests(), 1)
}
