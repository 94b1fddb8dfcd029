package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/event"
	"chatrelay/internal/metric"
	"chatrelay/internal/store"
)

// fakeTransport records payloads the registry delivers.
type fakeTransport struct {
	mu       sync.Mutex
	payloads []any
	failSend bool
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return fmt.Errorf("transport gone")
	}
	f.payloads = append(f.payloads, v)
	return nil
}

func (f *fakeTransport) received() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.payloads...)
}

func setupRegistry(t *testing.T) (*Registry, *redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(rdb, 7*24*time.Hour, 100, 1000)
	return New("node-a", st, metric.New()), rdb, mr
}

func TestConnectDisconnectCount(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := setupRegistry(t)

	for i := 0; i < 3; i++ {
		_, err := reg.Connect(ctx, fmt.Sprintf("client-%d", i), &fakeTransport{}, "10.0.0.5:1000")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, reg.Count())

	reg.Disconnect("client-1")
	assert.Equal(t, 2, reg.Count())

	t.Run("disconnect is idempotent", func(t *testing.T) {
		reg.Disconnect("client-1")
		assert.Equal(t, 2, reg.Count())

		reg.Disconnect("never-existed")
		assert.Equal(t, 2, reg.Count())
	})
}

func TestConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("caches identity at connect time", func(t *testing.T) {
		reg, _, _ := setupRegistry(t)

		conn, err := reg.Connect(ctx, "alice", &fakeTransport{}, "10.0.0.5:1234")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.5_alice", conn.Identity)
		assert.Equal(t, "10.0.0.5", conn.ClientIP)
	})

	t.Run("rejects duplicate connection ID leaving prior state untouched", func(t *testing.T) {
		reg, _, _ := setupRegistry(t)

		original := &fakeTransport{}
		_, err := reg.Connect(ctx, "alice", original, "10.0.0.5:1234")
		require.NoError(t, err)

		_, err = reg.Connect(ctx, "alice", &fakeTransport{}, "10.0.0.9:4321")
		assert.ErrorIs(t, err, ErrDuplicateConnection)
		assert.Equal(t, 1, reg.Count())

		// The original registration still receives traffic.
		reg.BroadcastLocal(ctx, event.NewChat("alice", "10.0.0.5", "still here", "node-a", 100))
		assert.Len(t, original.received(), 1)
	})

	t.Run("rejects empty connection ID", func(t *testing.T) {
		reg, _, _ := setupRegistry(t)
		_, err := reg.Connect(ctx, "", &fakeTransport{}, "10.0.0.5:1234")
		assert.Error(t, err)
	})

	t.Run("records connection in side table best-effort", func(t *testing.T) {
		reg, rdb, _ := setupRegistry(t)

		_, err := reg.Connect(ctx, "alice", &fakeTransport{}, "10.0.0.5:1234")
		require.NoError(t, err)

		raw, err := rdb.HGet(ctx, store.UserConnectionsKey("10.0.0.5_alice"), "alice").Result()
		require.NoError(t, err)
		assert.Contains(t, raw, `"instance_id":"node-a"`)
	})

	t.Run("survives store outage", func(t *testing.T) {
		reg, _, mr := setupRegistry(t)
		mr.Close()

		_, err := reg.Connect(ctx, "alice", &fakeTransport{}, "10.0.0.5:1234")
		require.NoError(t, err, "side-table failure must not fail the connect")
		assert.Equal(t, 1, reg.Count())
	})
}

func TestSendTo(t *testing.T) {
	ctx := context.Background()

	t.Run("fails with NotConnected for absent target", func(t *testing.T) {
		reg, _, _ := setupRegistry(t)
		err := reg.SendTo(ctx, "ghost", event.NewChat("ghost", "", "boo", "node-a", 100))
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("persists chat under the target identity and delivers", func(t *testing.T) {
		reg, rdb, _ := setupRegistry(t)

		transport := &fakeTransport{}
		_, err := reg.Connect(ctx, "alice", transport, "10.0.0.5:1234")
		require.NoError(t, err)

		require.NoError(t, reg.SendTo(ctx, "alice", event.NewChat("bob", "10.0.0.6", "hi alice", "node-a", 100)))

		assert.Len(t, transport.received(), 1)
		count, err := rdb.ZCard(ctx, store.UserMessagesKey("10.0.0.5_alice")).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("does not persist non-chat payloads", func(t *testing.T) {
		reg, rdb, _ := setupRegistry(t)

		transport := &fakeTransport{}
		_, err := reg.Connect(ctx, "alice", transport, "10.0.0.5:1234")
		require.NoError(t, err)

		info := event.NewConnectionInfo("node-a", "alice", "10.0.0.5", 1)
		require.NoError(t, reg.SendTo(ctx, "alice", info))

		assert.Len(t, transport.received(), 1)
		exists, err := rdb.Exists(ctx, store.UserMessagesKey("10.0.0.5_alice")).Result()
		require.NoError(t, err)
		assert.Zero(t, exists)
	})

	t.Run("surfaces transport failure", func(t *testing.T) {
		reg, _, _ := setupRegistry(t)

		_, err := reg.Connect(ctx, "alice", &fakeTransport{failSend: true}, "10.0.0.5:1234")
		require.NoError(t, err)

		err = reg.SendTo(ctx, "alice", event.NewConnectionInfo("node-a", "alice", "10.0.0.5", 1))
		assert.Error(t, err)
	})
}

func TestBroadcastLocal(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to every registered connection", func(t *testing.T) {
		reg, _, _ := setupRegistry(t)

		transports := make([]*fakeTransport, 3)
		for i := range transports {
			transports[i] = &fakeTransport{}
			_, err := reg.Connect(ctx, fmt.Sprintf("client-%d", i), transports[i], "10.0.0.5:1000")
			require.NoError(t, err)
		}

		reg.BroadcastLocal(ctx, event.NewSystem("hello all", "node-a", 100))

		for _, tr := range transports {
			assert.Len(t, tr.received(), 1)
		}
	})

	t.Run("persists local chat exactly once globally and once under sender identity", func(t *testing.T) {
		reg, rdb, _ := setupRegistry(t)

		_, err := reg.Connect(ctx, "alice", &fakeTransport{}, "10.0.0.5:1234")
		require.NoError(t, err)
		_, err = reg.Connect(ctx, "bob", &fakeTransport{}, "10.0.0.6:1234")
		require.NoError(t, err)

		reg.BroadcastLocal(ctx, event.NewChat("alice", "10.0.0.5", "hi", "node-a", 100))

		globalCount, err := rdb.ZCard(ctx, store.GlobalMessagesKey()).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), globalCount)

		aliceCount, err := rdb.ZCard(ctx, store.UserMessagesKey("10.0.0.5_alice")).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), aliceCount)

		bobCount, err := rdb.ZCard(ctx, store.UserMessagesKey("10.0.0.6_bob")).Result()
		require.NoError(t, err)
		assert.Zero(t, bobCount, "no persistence under recipient identities")
	})

	t.Run("keeps global record when originator raced a disconnect", func(t *testing.T) {
		reg, rdb, _ := setupRegistry(t)

		_, err := reg.Connect(ctx, "bob", &fakeTransport{}, "10.0.0.6:1234")
		require.NoError(t, err)

		reg.BroadcastLocal(ctx, event.NewChat("alice", "10.0.0.5", "parting shot", "node-a", 100))

		globalCount, err := rdb.ZCard(ctx, store.GlobalMessagesKey()).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), globalCount)

		exists, err := rdb.Exists(ctx, store.UserMessagesKey("10.0.0.5_alice")).Result()
		require.NoError(t, err)
		assert.Zero(t, exists, "no attribution persistence for departed originator")
	})

	t.Run("never persists replicated events", func(t *testing.T) {
		reg, rdb, _ := setupRegistry(t)

		transport := &fakeTransport{}
		_, err := reg.Connect(ctx, "bob", transport, "10.0.0.6:1234")
		require.NoError(t, err)

		reg.BroadcastLocal(ctx, event.NewChat("remote-client", "10.1.1.1", "from afar", "node-b", 100))

		assert.Len(t, transport.received(), 1, "replicated events still fan out")
		globalCount, err := rdb.ZCard(ctx, store.GlobalMessagesKey()).Result()
		require.NoError(t, err)
		assert.Zero(t, globalCount, "originating instance already persisted it")
	})

	t.Run("does not persist system events", func(t *testing.T) {
		reg, rdb, _ := setupRegistry(t)

		_, err := reg.Connect(ctx, "bob", &fakeTransport{}, "10.0.0.6:1234")
		require.NoError(t, err)

		reg.BroadcastLocal(ctx, event.NewSystem("Client #x left the chat", "node-a", 100))

		globalCount, err := rdb.ZCard(ctx, store.GlobalMessagesKey()).Result()
		require.NoError(t, err)
		assert.Zero(t, globalCount)
	})

	t.Run("continues delivery when store is down", func(t *testing.T) {
		reg, _, mr := setupRegistry(t)

		transport := &fakeTransport{}
		_, err := reg.Connect(ctx, "alice", transport, "10.0.0.5:1234")
		require.NoError(t, err)

		mr.Close()

		reg.BroadcastLocal(ctx, event.NewChat("alice", "10.0.0.5", "still talking", "node-a", 100))
		assert.Len(t, transport.received(), 1, "live fan-out survives store outage")
	})

	t.Run("skips failed transports without affecting others", func(t *testing.T) {
		reg, _, _ := setupRegistry(t)

		bad := &fakeTransport{failSend: true}
		good := &fakeTransport{}
		_, err := reg.Connect(ctx, "bad", bad, "10.0.0.5:1000")
		require.NoError(t, err)
		_, err = reg.Connect(ctx, "good", good, "10.0.0.6:1000")
		require.NoError(t, err)

		reg.BroadcastLocal(ctx, event.NewSystem("hello", "node-a", 100))
		assert.Len(t, good.received(), 1)
	})
}

func TestHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("returns newest first for the connection identity", func(t *testing.T) {
		reg, _, _ := setupRegistry(t)

		_, err := reg.Connect(ctx, "alice", &fakeTransport{}, "10.0.0.5:1234")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			ev := event.NewChat("alice", "10.0.0.5", fmt.Sprintf("msg-%d", i), "node-a", float64(100+i))
			reg.BroadcastLocal(ctx, ev)
		}

		got := reg.HistoryFor(ctx, "alice", 10)
		require.Len(t, got, 3)
		assert.Equal(t, "msg-2", got[0].Content)
	})

	t.Run("unknown connection yields empty sequence", func(t *testing.T) {
		reg, _, _ := setupRegistry(t)
		assert.Empty(t, reg.HistoryFor(ctx, "nobody", 10))
	})

	t.Run("store outage degrades to empty", func(t *testing.T) {
		reg, _, mr := setupRegistry(t)

		_, err := reg.Connect(ctx, "alice", &fakeTransport{}, "10.0.0.5:1234")
		require.NoError(t, err)
		mr.Close()

		assert.Empty(t, reg.HistoryFor(ctx, "alice", 10))
		assert.Empty(t, reg.GlobalHistory(ctx, 10))
	})

	t.Run("global history spans identities", func(t *testing.T) {
		reg, _, _ := setupRegistry(t)

		_, err := reg.Connect(ctx, "alice", &fakeTransport{}, "10.0.0.5:1234")
		require.NoError(t, err)
		_, err = reg.Connect(ctx, "bob", &fakeTransport{}, "10.0.0.6:1234")
		require.NoError(t, err)

		reg.BroadcastLocal(ctx, event.NewChat("alice", "10.0.0.5", "from alice", "node-a", 100))
		reg.BroadcastLocal(ctx, event.NewChat("bob", "10.0.0.6", "from bob", "node-a", 101))

		got := reg.GlobalHistory(ctx, 10)
		require.Len(t, got, 2)
		assert.Equal(t, "from bob", got[0].Content)
	})
}
