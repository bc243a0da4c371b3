// Package midilog records and replays time-stamped MIDI messages. A
// jam session produces one sealed Log; the activity analyzer and every
// isolation pass consume it read-only.
package midilog

import (
	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

// Kind classifies a recorded MIDI message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNoteOn
	KindNoteOff
	KindPolyAftertouch
	KindControlChange
	KindProgramChange
	KindAftertouch
	KindPitchBend
	KindStart
	KindStop
	KindClock
)

func (k Kind) String() string {
	switch k {
	case KindNoteOn:
		return "note_on"
	case KindNoteOff:
		return "note_off"
	case KindPolyAftertouch:
		return "poly_aftertouch"
	case KindControlChange:
		return "control_change"
	case KindProgramChange:
		return "program_change"
	case KindAftertouch:
		return "aftertouch"
	case KindPitchBend:
		return "pitch_bend"
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	case KindClock:
		return "clock"
	default:
		return "unknown"
	}
}

// Event is one recorded MIDI message. Immutable once recorded; owned by
// the Log that recorded it.
type Event struct {
	Timestamp timeline.Point
	Channel   uint8 // wire channel 0-15, 0 for system realtime
	Kind      Kind
	Data      []byte // raw message bytes
}

// Message returns the event as a sendable MIDI message.
func (e Event) Message() gomidi.Message {
	return gomidi.Message(e.Data)
}

// IsChannelVoice reports whether the event is a channel voice message.
// Only these are replayed; realtime messages are transport anchors and
// the player drives the transport itself.
func (e Event) IsChannelVoice() bool {
	switch e.Kind {
	case KindNoteOn, KindNoteOff, KindPolyAftertouch, KindControlChange,
		KindProgramChange, KindAftertouch, KindPitchBend:
		return true
	}
	return false
}

// Note returns key and velocity for note events.
func (e Event) Note() (key, velocity uint8, ok bool) {
	if (e.Kind != KindNoteOn && e.Kind != KindNoteOff) || len(e.Data) < 3 {
		return 0, 0, false
	}
	return e.Data[1], e.Data[2], true
}

// Controller returns controller number and value for control changes.
func (e Event) Controller() (controller, value uint8, ok bool) {
	if e.Kind != KindControlChange || len(e.Data) < 3 {
		return 0, 0, false
	}
	return e.Data[1], e.Data[2], true
}

// Program returns the program number for program changes.
func (e Event) Program() (program uint8, ok bool) {
	if e.Kind != KindProgramChange || len(e.Data) < 2 {
		return 0, false
	}
	return e.Data[1], true
}

// classify derives kind and channel from raw message bytes.
func classify(data []byte) (Kind, uint8) {
	if len(data) == 0 {
		return KindUnknown, 0
	}
	status := data[0]
	switch status {
	case 0xFA:
		return KindStart, 0
	case 0xFC:
		return KindStop, 0
	case 0xF8:
		return KindClock, 0
	}
	channel := status & 0x0F
	switch status & 0xF0 {
	case 0x90:
		if len(data) < 3 {
			return KindUnknown, channel
		}
		if data[2] == 0 {
			// Velocity-zero note on is a note off on the wire.
			return KindNoteOff, channel
		}
		return KindNoteOn, channel
	case 0x80:
		if len(data) < 3 {
			return KindUnknown, channel
		}
		return KindNoteOff, channel
	case 0xA0:
		if len(data) < 3 {
			return KindUnknown, channel
		}
		return KindPolyAftertouch, channel
	case 0xB0:
		if len(data) < 3 {
			return KindUnknown, channel
		}
		return KindControlChange, channel
	case 0xC0:
		if len(data) < 2 {
			return KindUnknown, channel
		}
		return KindProgramChange, channel
	case 0xD0:
		if len(data) < 2 {
			return KindUnknown, channel
		}
		return KindAftertouch, channel
	case 0xE0:
		if len(data) < 3 {
			return KindUnknown, channel
		}
		return KindPitchBend, channel
	}
	return KindUnknown, channel
}

// NewEvent builds an Event from raw bytes, copying the data so driver
// buffers can be reused by the caller.
func NewEvent(ts timeline.Point, data []byte) Event {
	kind, channel := classify(data)
	buf := make([]byte, len(data))
	copy(buf, data)
	return Event{Timestamp: ts, Channel: channel, Kind: kind, Data: buf}
}
