package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("subscription did not close; got %d events", len(out))
		}
	}
}

func TestBusPublishAssignsSequence(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	bus := NewBus(WithClock(fixedClock{t: ts}))
	require.NoError(t, bus.Open("t1"))

	first, err := bus.Publish("t1", KindInfo, "Task initiated.")
	require.NoError(t, err)
	second, err := bus.Publish("t1", KindInfo, "--- Processing website 1/1: http://a.com ---")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, ts, second.TS)
	assert.Equal(t, "t1", second.TaskID)
}

func TestBusOpenTwice(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	require.NoError(t, bus.Open("t1"))
	require.ErrorIs(t, bus.Open("t1"), ErrStreamExists)
	require.Equal(t, 1, bus.Len())
}

func TestBusUnknownTask(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	_, err := bus.Publish("nope", KindInfo, "x")
	require.ErrorIs(t, err, ErrStreamNotFound)
	_, err = bus.Subscribe(context.Background(), "nope", 0)
	require.ErrorIs(t, err, ErrStreamNotFound)
	_, err = bus.Events("nope")
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestBusTerminalClosesStream(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	require.NoError(t, bus.Open("t1"))
	_, err := bus.Publish("t1", KindComplete, "scraped_emails_t1.csv")
	require.NoError(t, err)

	_, err = bus.Publish("t1", KindInfo, "late")
	require.ErrorIs(t, err, ErrStreamClosed)

	events, err := bus.Events("t1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "COMPLETE:scraped_emails_t1.csv", events[0].Line())
}

func TestBusSubscribeReplaysAndFollows(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	require.NoError(t, bus.Open("t1"))
	_, err := bus.Publish("t1", KindInfo, "one")
	require.NoError(t, err)

	ch, err := bus.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, "one", first.Text)

	go func() {
		_, _ = bus.Publish("t1", KindInfo, "two")
		_, _ = bus.Publish("t1", KindError, "boom")
	}()
	rest := collect(t, ch)
	require.Len(t, rest, 2)
	require.Equal(t, "two", rest[0].Text)
	require.Equal(t, "ERROR:boom", rest[1].Line())
}

func TestBusSubscribeAfterSeq(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	require.NoError(t, bus.Open("t1"))
	for i := 1; i <= 3; i++ {
		_, err := bus.Publish("t1", KindInfo, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}
	_, err := bus.Publish("t1", KindComplete, "f.csv")
	require.NoError(t, err)

	ch, err := bus.Subscribe(context.Background(), "t1", 2)
	require.NoError(t, err)
	got := collect(t, ch)
	require.Len(t, got, 2)
	require.Equal(t, int64(3), got[0].Seq)
	require.Equal(t, KindComplete, got[1].Kind)

	ch, err = bus.Subscribe(context.Background(), "t1", 4)
	require.NoError(t, err)
	require.Empty(t, collect(t, ch))
}

func TestBusSubscribeCanceled(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	require.NoError(t, bus.Open("t1"))
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "t1", 0)
	require.NoError(t, err)
	cancel()
	require.Empty(t, collect(t, ch))

	// The stream itself stays usable for other observers.
	_, err = bus.Publish("t1", KindInfo, "still open")
	require.NoError(t, err)
}

func TestBusRemoveClosesSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	require.NoError(t, bus.Open("t1"))
	ch, err := bus.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)

	bus.Remove("t1")
	require.Empty(t, collect(t, ch))
	require.Zero(t, bus.Len())
	_, err = bus.Publish("t1", KindInfo, "x")
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestBusForwardsToEmitter(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	bus := NewBus(WithEmitter(rec))
	require.NoError(t, bus.Open("t1"))
	_, err := bus.Publish("t1", KindInfo, "a")
	require.NoError(t, err)
	_, err = bus.Publish("t1", KindComplete, "b")
	require.NoError(t, err)
	_, err = bus.Publish("t1", KindInfo, "rejected")
	require.Error(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 2)
}

func TestBusConcurrentPublishersKeepSequenceDense(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	require.NoError(t, bus.Open("t1"))
	ch, err := bus.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, _ = bus.Publish("t1", KindInfo, fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()
	_, err = bus.Publish("t1", KindComplete, "done")
	require.NoError(t, err)

	got := collect(t, ch)
	require.Len(t, got, 201)
	for i, evt := range got {
		require.Equal(t, int64(i+1), evt.Seq)
	}
}

func TestEventLine(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hi", Event{Kind: KindInfo, Text: "hi"}.Line())
	require.Equal(t, "COMPLETE:x.csv", Event{Kind: KindComplete, Text: "x.csv"}.Line())
	require.Equal(t, "ERROR:bad", Event{Kind: KindError, Text: "bad"}.Line())
	require.True(t, KindError.Terminal())
	require.False(t, KindInfo.Terminal())
	require.Error(t, Event{TaskID: "t", Seq: 1, Kind: "WAT", TS: time.Now()}.Validate())
}
