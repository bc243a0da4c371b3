package capture

import (
	"context"
	"time"
)

// TransportWatcher picks transport start echoes out of the MIDI input
// during a capture pass. The device echoes a realtime Start (0xFA)
// when its sequencer actually begins, which pins the stem's content
// anchor far more precisely than the trigger send time.
//
// Feed Handle to the input port listener. Drain immediately before
// sending the start trigger so a stale echo from a previous pass
// cannot satisfy the wait.
type TransportWatcher struct {
	starts chan time.Time
}

// NewTransportWatcher returns a watcher ready to be wired to an input.
func NewTransportWatcher() *TransportWatcher {
	return &TransportWatcher{
		starts: make(chan time.Time, 1),
	}
}

// Handle inspects one incoming MIDI message. Safe to call from the
// input driver goroutine.
func (w *TransportWatcher) Handle(data []byte) {
	if len(data) == 0 || data[0] != 0xFA {
		return
	}
	select {
	case w.starts <- time.Now():
	default:
	}
}

// Drain discards any pending echo.
func (w *TransportWatcher) Drain() {
	select {
	case <-w.starts:
	default:
	}
}

// AwaitStart blocks until a start echo arrives, the timeout elapses,
// or ctx is cancelled. The returned time is when the echo was
// received; ok is false on timeout or cancellation.
func (w *TransportWatcher) AwaitStart(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case t := <-w.starts:
		return t, true
	case <-timer.C:
		return time.Time{}, false
	case <-ctx.Done():
		return time.Time{}, false
	}
}
