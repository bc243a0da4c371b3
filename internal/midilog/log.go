package midilog

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

var (
	// ErrEmptyLog means there is nothing to replay.
	ErrEmptyLog = errors.New("midi log contains no events")
	// ErrUnsortedLog means event timestamps are out of order.
	ErrUnsortedLog = errors.New("midi log events out of timestamp order")
)

// Anchors are the transport echo timestamps observed while recording.
// They are not log events; the content window they describe is what
// replay and stem alignment are computed against.
type Anchors struct {
	Start    timeline.Point
	HasStart bool
	Stop     timeline.Point
	HasStop  bool
}

// Log is a sealed, ordered sequence of events spanning one jam session.
// Safe for concurrent readers; never mutated after sealing.
type Log struct {
	events  []Event
	anchors Anchors
}

// NewLog builds a sealed log from events, restoring timestamp order.
// Used by the SMF loader and tests; live recording seals through
// Recorder.Seal.
func NewLog(events []Event, anchors Anchors) *Log {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	return &Log{events: sorted, anchors: anchors}
}

// Events returns the recorded events in timestamp order. The slice is
// shared with the log: callers must not modify it.
func (l *Log) Events() []Event {
	return l.events
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	return len(l.events)
}

// Anchors returns the transport echoes observed during recording.
func (l *Log) Anchors() Anchors {
	return l.anchors
}

// First returns the earliest event.
func (l *Log) First() (Event, bool) {
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[0], true
}

// Last returns the latest event.
func (l *Log) Last() (Event, bool) {
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// Span is the duration between the first and last event.
func (l *Log) Span() time.Duration {
	if len(l.events) < 2 {
		return 0
	}
	return l.events[len(l.events)-1].Timestamp.Sub(l.events[0].Timestamp)
}

// Validate reports whether the log is replayable.
func (l *Log) Validate() error {
	if len(l.events) == 0 {
		return ErrEmptyLog
	}
	for i := 1; i < len(l.events); i++ {
		if l.events[i].Timestamp < l.events[i-1].Timestamp {
			return ErrUnsortedLog
		}
	}
	return nil
}

// Recorder captures inbound MIDI into an unsealed log. Handle is called
// from the driver's input callback; everything else happens outside the
// hot path.
type Recorder struct {
	mu      sync.Mutex
	clock   *timeline.Clock
	events  []Event
	sealed  bool
	anchors Anchors
}

// NewRecorder starts capturing against the given session clock.
func NewRecorder(clock *timeline.Clock) *Recorder {
	return &Recorder{clock: clock}
}

// Handle stamps and stores one inbound message. Clock ticks are
// discarded; transport Start/Stop become anchors, not events. Messages
// arriving after Seal are dropped.
func (r *Recorder) Handle(data []byte) {
	now := r.clock.Now()
	kind, _ := classify(data)
	if kind == KindClock || kind == KindUnknown {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}

	switch kind {
	case KindStart:
		if !r.anchors.HasStart {
			r.anchors.Start = now
			r.anchors.HasStart = true
		}
	case KindStop:
		if r.anchors.HasStart && !r.anchors.HasStop {
			r.anchors.Stop = now
			r.anchors.HasStop = true
		}
	default:
		r.events = append(r.events, NewEvent(now, data))
	}
}

// Count returns the number of events captured so far.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Seal stops capture and returns the immutable log. The driver callback
// delivers from a single goroutine so events are already ordered; the
// stable sort restores order if the driver delivered late.
func (r *Recorder) Seal() *Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	sort.SliceStable(r.events, func(i, j int) bool {
		return r.events[i].Timestamp < r.events[j].Timestamp
	})
	log := &Log{events: r.events, anchors: r.anchors}
	r.events = nil
	return log
}
