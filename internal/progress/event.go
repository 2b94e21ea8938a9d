package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a progress line.
type Kind string

// Supported event kinds. COMPLETE and ERROR are terminal.
const (
	KindInfo     Kind = "INFO"
	KindComplete Kind = "COMPLETE"
	KindError    Kind = "ERROR"
)

// Terminal reports whether k ends a stream.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// Event is one line of a task's progress log.
type Event struct {
	// TaskID identifies the owning task.
	TaskID string
	// Seq starts at 1 and increases by one per event within a task.
	Seq int64
	// Kind tags the line; terminal kinds are always last.
	Kind Kind
	// Text is the human-readable message. For COMPLETE it is the export
	// filename, for ERROR the failure message.
	Text string
	// TS is the UTC time the bus accepted the event.
	TS time.Time
}

// Line renders the event the way observers see it: "COMPLETE:<file>",
// "ERROR:<msg>", or the plain text for INFO lines.
func (e Event) Line() string {
	switch e.Kind {
	case KindComplete:
		return "COMPLETE:" + e.Text
	case KindError:
		return "ERROR:" + e.Text
	default:
		return e.Text
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.Seq <= 0 {
		return errors.New("sequence must be positive")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindInfo, KindComplete, KindError:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}
