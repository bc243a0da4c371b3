package octatrack

import (
	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/stemcapture/internal/midilog"
)

// IsolationTransform returns the replay transform for one pass: every
// recorded mute CC is rewritten so non-target tracks stay muted and
// the target stays audible, while keeping the event's original
// timestamp. The transform is stateless across pattern changes; it
// keys on the track channel alone. Everything that is not a track
// mute passes through unmodified.
func IsolationTransform(target int) midilog.Transform {
	targetChannel := TrackChannel(target)
	return func(ev midilog.Event) midilog.Event {
		if ev.Kind != midilog.KindControlChange || ev.Channel >= NumTracks {
			return ev
		}
		controller, _, ok := ev.Controller()
		if !ok || controller != MuteCC {
			return ev
		}
		value := uint8(MuteValue)
		if ev.Channel == targetChannel {
			value = UnmuteValue
		}
		return midilog.NewEvent(ev.Timestamp, gomidi.ControlChange(ev.Channel, MuteCC, value))
	}
}
