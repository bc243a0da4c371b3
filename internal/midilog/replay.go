package midilog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

// DefaultTick is the replay scheduling granularity. Cancellation is
// observed within one tick.
const DefaultTick = time.Millisecond

// ErrInterrupted is returned when replay is cancelled mid-stream. The
// safety set has been sent by the time it is returned.
var ErrInterrupted = errors.New("replay interrupted")

// Transform rewrites an event just before emission. It must not block
// or allocate beyond the returned event; it runs in the replay hot
// path.
type Transform func(Event) Event

// Options configure one replay run.
type Options struct {
	// Transform is applied to every emitted event; nil means identity.
	Transform Transform

	// Origin is the log timestamp that corresponds to "now" at the
	// moment Replay is called. Events are scheduled at their original
	// offset from Origin; events before it are flushed immediately in
	// order.
	Origin timeline.Point

	// Lead shifts every emission earlier by a fixed amount, cancelling
	// the hardware's start latency. Never applied to recorded offsets.
	Lead time.Duration

	// Tick overrides the scheduling granularity; zero means
	// DefaultTick.
	Tick time.Duration

	// Safety is sent, best effort, when replay is cancelled so no
	// stuck notes or unmuted tracks are left behind.
	Safety []gomidi.Message
}

// Replay iterates the sealed log in timestamp order, applies the
// transform, and emits each channel voice event through send,
// reproducing the original wall-clock gaps between events. It returns
// ErrInterrupted if ctx is cancelled, after sending the safety set.
func Replay(ctx context.Context, log *Log, send func(gomidi.Message) error, opts Options) error {
	if err := log.Validate(); err != nil {
		return err
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}

	start := time.Now()
	for _, ev := range log.events {
		if !ev.IsChannelVoice() {
			continue
		}
		target := start.Add(ev.Timestamp.Sub(opts.Origin) - opts.Lead)
		for {
			if ctx.Err() != nil {
				sendSafety(send, opts.Safety)
				return ErrInterrupted
			}
			wait := time.Until(target)
			if wait <= 0 {
				break
			}
			if wait > tick {
				wait = tick
			}
			time.Sleep(wait)
		}

		out := ev
		if opts.Transform != nil {
			out = opts.Transform(ev)
		}
		if err := send(out.Message()); err != nil {
			return fmt.Errorf("midi send failed at %s: %w", ev.Timestamp, err)
		}
	}
	return nil
}

func sendSafety(send func(gomidi.Message) error, safety []gomidi.Message) {
	for _, msg := range safety {
		if err := send(msg); err != nil {
			slog.Warn("Safety message send failed", "error", err)
		}
	}
}
