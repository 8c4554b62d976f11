package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seongjin71/hankook-logistics-agent/internal/logging"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(logging.NewNop())

	var mu sync.Mutex
	var got []int
	b.Subscribe("test.topic", func(_ context.Context, _ string, payload json.RawMessage) {
		var v int
		require.NoError(t, json.Unmarshal(payload, &v))
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop()

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(ctx, "test.topic", i))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(logging.NewNop(), WithQueueCapacity(10))

	var mu sync.Mutex
	var got []int
	b.Subscribe("test.topic", func(_ context.Context, _ string, payload json.RawMessage) {
		var v int
		_ = json.Unmarshal(payload, &v)
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	ctx := context.Background()
	// Publish 15 into a queue of 10 before any consumer runs.
	for i := 0; i < 15; i++ {
		require.NoError(t, b.Publish(ctx, "test.topic", i))
	}

	b.Start(ctx)
	defer b.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	})

	mu.Lock()
	defer mu.Unlock()
	// The five oldest were evicted; the newest always got in.
	require.Equal(t, []int{5, 6, 7, 8, 9, 10, 11, 12, 13, 14}, got)
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	b := New(logging.NewNop())

	var mu sync.Mutex
	var calls int
	b.Subscribe("test.topic", func(_ context.Context, _ string, _ json.RawMessage) {
		panic("boom")
	})
	b.Subscribe("test.topic", func(_ context.Context, _ string, _ json.RawMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop()

	require.NoError(t, b.Publish(ctx, "test.topic", "first"))
	require.NoError(t, b.Publish(ctx, "test.topic", "second"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
}

func TestRecentRing(t *testing.T) {
	b := New(logging.NewNop(), WithRecentBuffer(3))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "test.topic", i))
	}

	messages := b.Recent("test.topic", 10)
	require.Len(t, messages, 3)

	var v int
	require.NoError(t, json.Unmarshal(messages[2].Payload, &v))
	require.Equal(t, 4, v)

	require.Len(t, b.Recent("test.topic", 2), 2)
	require.Empty(t, b.Recent("unknown.topic", 10))
}

type flakyBackend struct {
	mu        sync.Mutex
	failing   bool
	published [][]byte
}

func (f *flakyBackend) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return context.DeadlineExceeded
	}
	f.published = append(f.published, payload)
	return nil
}

func (f *flakyBackend) Consume(ctx context.Context, _ string, _ func([]byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *flakyBackend) Close() error { return nil }

func TestDurableFailureDegradesToMemory(t *testing.T) {
	backend := &flakyBackend{failing: true}
	b := New(logging.NewNop(), WithBackend(backend))
	require.True(t, b.Durable())

	var mu sync.Mutex
	var got []string
	b.Subscribe("test.topic", func(_ context.Context, _ string, payload json.RawMessage) {
		var v string
		_ = json.Unmarshal(payload, &v)
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop()

	// Backend is down: publish must still succeed and deliver via memory.
	require.NoError(t, b.Publish(ctx, "test.topic", "degraded"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "degraded"
	})
}

func TestStopDrainsQueuedMessages(t *testing.T) {
	b := New(logging.NewNop())

	var mu sync.Mutex
	var count int
	b.Subscribe("test.topic", func(_ context.Context, _ string, _ json.RawMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(ctx, "test.topic", i))
	}

	b.Start(ctx)
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, count)
}
