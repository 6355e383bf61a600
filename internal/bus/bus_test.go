package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthlab/crucible/pkg/schema"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	b := newTestBus(t, Config{})
	sink := NewMemorySink()
	b.AddSink(sink)

	for i := 0; i < 10; i++ {
		b.Publish(&schema.Event{Type: "tick"})
	}
	require.NoError(t, b.Flush(time.Second))

	events := sink.Events()
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, schema.EventVersion, e.Version)
		assert.NotZero(t, e.TS)
	}
}

func TestDropOldestRetainsMostRecentCapacityEvents(t *testing.T) {
	const capacity = 8
	const published = 50

	// No drain loop: publishes accumulate, then drain once deterministically.
	b := newBus(Config{Capacity: capacity, Policy: DropOldest})
	sink := NewMemorySink()
	b.AddSink(sink)

	for i := 0; i < published; i++ {
		b.Publish(&schema.Event{Type: fmt.Sprintf("e%d", i)})
	}

	stats := b.Stats()
	assert.Equal(t, uint64(published), stats.Published)
	assert.Equal(t, uint64(published-capacity), stats.Dropped)
	assert.Equal(t, capacity, stats.Depth)

	b.drainOnce()
	events := sink.Events()
	require.Len(t, events, capacity)
	// Exactly the most recent `capacity` events survive, in order.
	for i, e := range events {
		assert.Equal(t, fmt.Sprintf("e%d", published-capacity+i), e.Type)
	}
}

func TestDropNewestDiscardsPublishedEvent(t *testing.T) {
	b := newBus(Config{Capacity: 2, Policy: DropNewest})
	sink := NewMemorySink()
	b.AddSink(sink)

	b.Publish(&schema.Event{Type: "a"})
	b.Publish(&schema.Event{Type: "b"})
	b.Publish(&schema.Event{Type: "c"}) // full: dropped

	assert.Equal(t, uint64(1), b.Stats().Dropped)

	b.drainOnce()
	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Type)
	assert.Equal(t, "b", events[1].Type)
}

func TestSubscribePatterns(t *testing.T) {
	b := newTestBus(t, Config{})

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) SubscriberFunc {
		return func(_ context.Context, e *schema.Event) {
			mu.Lock()
			got[name] = append(got[name], e.Type)
			mu.Unlock()
		}
	}

	b.Subscribe("*", record("all"))
	b.Subscribe(schema.EventCandidateProposed, record("exact"))
	b.Subscribe("candidate_*", record("prefix"))

	b.Publish(&schema.Event{Type: schema.EventCandidateProposed})
	b.Publish(&schema.Event{Type: schema.EventCandidateRejected})
	b.Publish(&schema.Event{Type: schema.EventRunStarted})
	require.NoError(t, b.Flush(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got["all"], 3)
	assert.Equal(t, []string{schema.EventCandidateProposed}, got["exact"])
	assert.Equal(t, []string{schema.EventCandidateProposed, schema.EventCandidateRejected}, got["prefix"])
}

func TestSubscribersInvokedInRegistrationOrder(t *testing.T) {
	b := newTestBus(t, Config{})

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe("*", func(_ context.Context, _ *schema.Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}

	b.Publish(&schema.Event{Type: "tick"})
	require.NoError(t, b.Flush(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

type failingSink struct{}

func (failingSink) Write(*schema.Event) error { return errors.New("disk on fire") }
func (failingSink) Flush() error              { return nil }
func (failingSink) Close() error              { return nil }

func TestSinkFailureIsolated(t *testing.T) {
	b := newTestBus(t, Config{})
	good := NewMemorySink()
	b.AddSink(failingSink{})
	b.AddSink(good)

	b.Publish(&schema.Event{Type: "tick"})
	require.NoError(t, b.Flush(time.Second))

	assert.Len(t, good.Events(), 1)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	b := newTestBus(t, Config{})

	var mu sync.Mutex
	var delivered int
	b.Subscribe("*", func(_ context.Context, _ *schema.Event) { panic("boom") })
	b.Subscribe("*", func(_ context.Context, _ *schema.Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	b.Publish(&schema.Event{Type: "tick"})
	require.NoError(t, b.Flush(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

func TestFlushTimeout(t *testing.T) {
	b := newTestBus(t, Config{Tick: time.Hour})
	// A subscriber that blocks longer than the flush timeout.
	b.Subscribe("*", func(_ context.Context, _ *schema.Event) {
		time.Sleep(300 * time.Millisecond)
	})
	b.Publish(&schema.Event{Type: "slow"})

	err := b.Flush(50 * time.Millisecond)
	require.Error(t, err)
	var cerr *schema.CrucibleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeTimeoutExceeded, cerr.Code)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.Close())
	b.Publish(&schema.Event{Type: "late"})
	assert.Equal(t, uint64(0), b.Stats().Published)
}

func TestFileSinkJournalAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	b := New(Config{})
	b.AddSink(sink)
	b.Publish(&schema.Event{Type: "run_started", RunID: "r1"})
	b.Publish(&schema.Event{Type: "run_completed", RunID: "r1"})
	require.NoError(t, b.Flush(time.Second))
	require.NoError(t, b.Close())

	var types []string
	n, err := ReplayJournal(path, func(e *schema.Event) error {
		types = append(types, e.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"run_started", "run_completed"}, types)
}

func TestReplaySkipsMalformedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	content := `{"type":"good_one","seq":1}
not json at all
{"type":"good_two","seq":2}
{"seq":3}
`
	require.NoError(t, writeFile(path, content))

	n, err := ReplayJournal(path, func(*schema.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReplayCallbackErrorStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	content := `{"type":"a","seq":1}
{"type":"b","seq":2}
`
	require.NoError(t, writeFile(path, content))

	stop := errors.New("stop")
	n, err := ReplayJournal(path, func(*schema.Event) error { return stop })
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 0, n)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
