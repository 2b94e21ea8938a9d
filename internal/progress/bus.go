package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrStreamNotFound is returned for task IDs that were never opened or
	// have been removed.
	ErrStreamNotFound = errors.New("progress stream not found")
	// ErrStreamClosed is returned when publishing after the terminal event.
	ErrStreamClosed = errors.New("progress stream closed")
	// ErrStreamExists is returned when opening a task ID twice.
	ErrStreamExists = errors.New("progress stream already open")
)

// Clock supplies event timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Bus keeps one append-only event log per task and lets any number of
// observers replay and follow it. Publishing never waits on observers.
type Bus struct {
	mu      sync.RWMutex
	streams map[string]*stream
	emitter Emitter
	clock   Clock
}

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithEmitter forwards every accepted event to e (typically a Hub).
func WithEmitter(e Emitter) BusOption {
	return func(b *Bus) { b.emitter = e }
}

// WithClock overrides the timestamp source.
func WithClock(c Clock) BusOption {
	return func(b *Bus) { b.clock = c }
}

// NewBus creates an empty Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		streams: make(map[string]*stream),
		clock:   wallClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open creates the stream for taskID.
func (b *Bus) Open(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[taskID]; ok {
		return fmt.Errorf("%s: %w", taskID, ErrStreamExists)
	}
	b.streams[taskID] = newStream()
	return nil
}

// Publish appends an event and wakes observers. After a terminal event the
// stream rejects further publishes with ErrStreamClosed.
func (b *Bus) Publish(taskID string, kind Kind, text string) (Event, error) {
	s, err := b.lookup(taskID)
	if err != nil {
		return Event{}, err
	}
	evt, err := s.append(taskID, kind, text, b.clock.Now())
	if err != nil {
		return Event{}, fmt.Errorf("%s: %w", taskID, err)
	}
	if b.emitter != nil {
		b.emitter.Emit(evt)
	}
	return evt, nil
}

// Subscribe replays every event with Seq > afterSeq and then follows the live
// stream. The channel closes after the terminal event is delivered, when ctx
// is done, or when the stream is removed.
func (b *Bus) Subscribe(ctx context.Context, taskID string, afterSeq int64) (<-chan Event, error) {
	s, err := b.lookup(taskID)
	if err != nil {
		return nil, err
	}
	out := make(chan Event)
	go s.follow(ctx, afterSeq, out)
	return out, nil
}

// Events returns a snapshot of the log.
func (b *Bus) Events(taskID string) ([]Event, error) {
	s, err := b.lookup(taskID)
	if err != nil {
		return nil, err
	}
	events, _, _ := s.since(0)
	return events, nil
}

// Remove drops the stream. Observers still attached see their channel close.
func (b *Bus) Remove(taskID string) {
	b.mu.Lock()
	s, ok := b.streams[taskID]
	delete(b.streams, taskID)
	b.mu.Unlock()
	if ok {
		s.remove()
	}
}

// Len returns the number of open streams.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams)
}

func (b *Bus) lookup(taskID string) (*stream, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[taskID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", taskID, ErrStreamNotFound)
	}
	return s, nil
}

// stream is a single task's log. changed is closed and replaced on every
// mutation so followers can wait without polling.
type stream struct {
	mu      sync.Mutex
	events  []Event
	closed  bool
	removed bool
	changed chan struct{}
}

func newStream() *stream {
	return &stream{changed: make(chan struct{})}
}

func (s *stream) append(taskID string, kind Kind, text string, ts time.Time) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.removed {
		return Event{}, ErrStreamClosed
	}
	evt := Event{
		TaskID: taskID,
		Seq:    int64(len(s.events)) + 1,
		Kind:   kind,
		Text:   text,
		TS:     ts,
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	s.events = append(s.events, evt)
	if kind.Terminal() {
		s.closed = true
	}
	s.broadcast()
	return evt, nil
}

func (s *stream) remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	s.broadcast()
}

// broadcast must be called with mu held.
func (s *stream) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// since returns events after seq, whether no more will arrive, and a channel
// that closes on the next mutation.
func (s *stream) since(seq int64) ([]Event, bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < 0 {
		seq = 0
	}
	var out []Event
	if seq < int64(len(s.events)) {
		out = append(out, s.events[seq:]...)
	}
	return out, s.closed || s.removed, s.changed
}

func (s *stream) follow(ctx context.Context, afterSeq int64, out chan<- Event) {
	defer close(out)
	last := afterSeq
	for {
		events, done, changed := s.since(last)
		for _, evt := range events {
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
			last = evt.Seq
			if evt.Kind.Terminal() {
				return
			}
		}
		if done {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}
