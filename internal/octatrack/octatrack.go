// Package octatrack speaks the device's control surface: track mutes,
// transport note triggers, pattern selection, and the safety bursts
// sent when a pass aborts. All timing gaps are device settle
// requirements, not tunables.
package octatrack

import "time"

const (
	// NumTracks is the number of audio tracks on the device.
	NumTracks = 8

	// MuteCC toggles a track's mute state, sent on the track's own
	// channel. The device treats 64-127 as mute and 0-63 as unmute.
	MuteCC = 49

	MuteValue   = 127
	UnmuteValue = 0

	// StopNote (A1) and StartNote (A#1) are the reserved transport
	// trigger notes on the pc channel.
	StopNote  = 33
	StartNote = 34

	// TriggerVelocity is the velocity the device expects on trigger
	// notes.
	TriggerVelocity = 100

	// AllNotesOffCC silences sustaining voices on a channel.
	AllNotesOffCC = 123
)

// TrackChannel maps a 1-based track id to its wire channel.
func TrackChannel(track int) uint8 {
	return uint8(track - 1)
}

// ValidTrack reports whether track is a real device track.
func ValidTrack(track int) bool {
	return track >= 1 && track <= NumTracks
}

// Timing holds the device settle delays. Tests inject a zero value to
// run without sleeping.
type Timing struct {
	// TriggerHold is how long a transport trigger note is held before
	// the note off.
	TriggerHold time.Duration

	// MuteSettle follows a mute burst before the device state is
	// trusted.
	MuteSettle time.Duration

	// PatternGap separates the bank select from the program change;
	// PatternSettle follows the pair.
	PatternGap    time.Duration
	PatternSettle time.Duration

	// TripleStopGap1 and TripleStopGap2 separate the three stop
	// triggers; StopSettle follows the last one.
	TripleStopGap1 time.Duration
	TripleStopGap2 time.Duration
	StopSettle     time.Duration
}

// DefaultTiming returns the settle delays the hardware needs.
func DefaultTiming() Timing {
	return Timing{
		TriggerHold:    10 * time.Millisecond,
		MuteSettle:     300 * time.Millisecond,
		PatternGap:     20 * time.Millisecond,
		PatternSettle:  300 * time.Millisecond,
		TripleStopGap1: 100 * time.Millisecond,
		TripleStopGap2: 20 * time.Millisecond,
		StopSettle:     500 * time.Millisecond,
	}
}
