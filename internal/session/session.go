// Package session defines the durable session model and its
// directory-based persistence. Reading a finalized session never
// touches hardware or replays MIDI.
package session

import (
	"fmt"
	"time"
)

// Anchor sources, in order of preference.
const (
	AnchorTransportEcho = "transport-echo"
	AnchorAudioOnset    = "audio-onset"
	AnchorFirstEvent    = "first-event"
)

// Alignment confidence values for captured stems.
const (
	ConfidenceExact    = "exact"
	ConfidenceDegraded = "degraded"
)

// Files inside a session directory. Stems are track_<n>.wav.
const (
	MetadataFile  = "session.json"
	StereoMixFile = "stereo_mix.wav"
	CueMixFile    = "cue_mix.wav"
	MidiLogFile   = "midi_log.mid"
)

// StemFile returns the stem filename for a 1-based track id.
func StemFile(track int) string {
	return fmt.Sprintf("track_%d.wav", track)
}

// Channel layouts of the jam recording.
const (
	LayoutStereo     = "stereo"
	LayoutDualStereo = "dual-stereo"
)

// StereoMix describes the jam's reference recording. Offset is the
// session-clock time, in seconds, at which the audio file begins.
type StereoMix struct {
	File          string  `json:"file"`
	CueFile       string  `json:"cue_file,omitempty"`
	Offset        float64 `json:"offset"`
	Frames        int64   `json:"frames"`
	ChannelLayout string  `json:"channel_layout"`
}

// TrackActivity is the persisted per-track activity summary. Event
// times are seconds on the session clock.
type TrackActivity struct {
	TrackID    int     `json:"track_id"`
	IsActive   bool    `json:"is_active"`
	NoteCount  int     `json:"note_count"`
	FirstEvent float64 `json:"first_event,omitempty"`
	LastEvent  float64 `json:"last_event,omitempty"`
}

// Stem describes one captured isolation pass. Offset is the position
// of the content anchor within the stem file, in seconds, so any
// consumer can align the stem to the stereo mix without re-deriving
// timing.
type Stem struct {
	TrackID             int     `json:"track_id"`
	File                string  `json:"file"`
	Offset              float64 `json:"offset"`
	AlignmentConfidence string  `json:"alignment_confidence"`
	Frames              int64   `json:"frames"`
	Duration            float64 `json:"duration_seconds"`
}

// Session is the aggregate metadata written to session.json.
// ContentStart is the jam's content anchor in session-clock seconds;
// ContentDuration spans from there to the jam's transport stop (or
// the last event when no stop echo arrived).
type Session struct {
	ID           string    `json:"session_id"`
	Created      time.Time `json:"created"`
	SampleRate   int       `json:"sample_rate"`
	StartPattern int       `json:"start_pattern"`
	PCChannel    int       `json:"pc_channel"`
	TailTime     float64   `json:"tail_time"`

	AnchorSource    string  `json:"anchor_source"`
	ContentStart    float64 `json:"content_start"`
	ContentDuration float64 `json:"content_duration"`

	StereoMix       StereoMix       `json:"stereo_mix"`
	MidiLog         string          `json:"midi_log"`
	TrackActivities []TrackActivity `json:"track_activities"`
	Stems           []Stem          `json:"stems"`
	SkippedTracks   []int           `json:"skipped_tracks,omitempty"`
}

// StemFor returns the stem captured for a track, if present.
func (s *Session) StemFor(track int) (Stem, bool) {
	for _, stem := range s.Stems {
		if stem.TrackID == track {
			return stem, true
		}
	}
	return Stem{}, false
}

// CapturedTracks returns the 1-based track ids with a captured stem.
func (s *Session) CapturedTracks() []int {
	tracks := make([]int, 0, len(s.Stems))
	for _, stem := range s.Stems {
		tracks = append(tracks, stem.TrackID)
	}
	return tracks
}
