package bus

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunimp/DebugProbe/pkg/event"
)

func logEvent(msg string) event.DebugEvent {
	return event.NewLogEvent(event.LogPayload{Level: event.LevelInfo, Message: msg})
}

func messages(evs []event.DebugEvent) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Log.Message)
	}
	return out
}

func TestEnqueueNeverExceedsCapacity(t *testing.T) {
	for _, policy := range []DropPolicy{
		{Kind: DropOldest},
		{Kind: DropNewest},
		{Kind: DropSample, Rate: 0.5},
	} {
		b := New(10, policy, nil)
		for i := 0; i < 100; i++ {
			b.Enqueue(logEvent(fmt.Sprintf("e%d", i)))
			assert.LessOrEqual(t, b.Len(), 10, "policy %s", policy.Kind)
		}
	}
}

func TestDropOldestKeepsTail(t *testing.T) {
	b := New(5, DropPolicy{Kind: DropOldest}, nil)
	for i := 0; i < 12; i++ {
		b.Enqueue(logEvent(fmt.Sprintf("e%d", i)))
	}
	got := messages(b.Peek(5))
	assert.Equal(t, []string{"e7", "e8", "e9", "e10", "e11"}, got)
}

func TestDropNewestKeepsHead(t *testing.T) {
	b := New(3, DropPolicy{Kind: DropNewest}, nil)
	for i := 0; i < 8; i++ {
		b.Enqueue(logEvent(fmt.Sprintf("e%d", i)))
	}
	got := messages(b.Peek(3))
	assert.Equal(t, []string{"e0", "e1", "e2"}, got)
}

func TestSampleRetainsExpectedShare(t *testing.T) {
	const n = 10000
	const rate = 0.3
	b := NewWithSource(n, DropPolicy{Kind: DropSample, Rate: rate}, nil, rand.NewSource(1))
	// 每次入队都做抽样判定：先入队一批种子事件，再统计探测事件的留存数
	for i := 0; i < n; i++ {
		b.Enqueue(logEvent("seed"))
	}
	for i := 0; i < n; i++ {
		b.Enqueue(logEvent("probe"))
	}
	count := 0
	for _, m := range messages(b.Peek(n)) {
		if m == "probe" {
			count++
		}
	}
	assert.InDelta(t, float64(n)*rate, float64(count), float64(n)*0.05)
}

func TestPeekDoesNotRemove(t *testing.T) {
	b := New(10, DropPolicy{Kind: DropOldest}, nil)
	b.Enqueue(logEvent("a"))
	b.Enqueue(logEvent("b"))
	require.Len(t, b.Peek(5), 2)
	assert.Equal(t, 2, b.Len())
}

func TestRemoveFirst(t *testing.T) {
	b := New(10, DropPolicy{Kind: DropOldest}, nil)
	for i := 0; i < 5; i++ {
		b.Enqueue(logEvent(fmt.Sprintf("e%d", i)))
	}
	b.RemoveFirst(3)
	assert.Equal(t, []string{"e3", "e4"}, messages(b.Peek(10)))
	b.RemoveFirst(100)
	assert.Equal(t, 0, b.Len())
}

func TestDequeueAll(t *testing.T) {
	b := New(10, DropPolicy{Kind: DropOldest}, nil)
	b.EnqueueBatch([]event.DebugEvent{logEvent("a"), logEvent("b")})
	got := b.DequeueAll()
	assert.Len(t, got, 2)
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.DequeueAll())
}

func TestSubscriberNotifiedOutsideLock(t *testing.T) {
	b := New(10, DropPolicy{Kind: DropOldest}, nil)
	var got []string
	id := b.Subscribe(func(ev event.DebugEvent) {
		// 回调中重入总线不允许死锁
		_ = b.Len()
		got = append(got, ev.Log.Message)
	})
	b.Enqueue(logEvent("x"))
	assert.Equal(t, []string{"x"}, got)

	b.Unsubscribe(id)
	b.Enqueue(logEvent("y"))
	assert.Equal(t, []string{"x"}, got)
}

func TestShrinkTakesEffectOnNextOverflow(t *testing.T) {
	b := New(10, DropPolicy{Kind: DropOldest}, nil)
	for i := 0; i < 10; i++ {
		b.Enqueue(logEvent(fmt.Sprintf("e%d", i)))
	}
	b.SetMaxSize(3)
	b.Enqueue(logEvent("new"))
	assert.LessOrEqual(t, b.Len(), 3)
	got := messages(b.Peek(3))
	assert.Equal(t, "new", got[len(got)-1])
}

func TestConcurrentProducers(t *testing.T) {
	b := New(100, DropPolicy{Kind: DropOldest}, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Enqueue(logEvent("c"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, b.Len())
}
