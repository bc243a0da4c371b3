// Package activity derives per-track trigger activity from a sealed
// MIDI log. Pure function of the log, no hardware interaction.
package activity

import (
	"github.com/audiolibrelab/stemcapture/internal/midilog"
	"github.com/audiolibrelab/stemcapture/internal/octatrack"
	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

// TrackActivity summarizes one track's note activity during the jam.
type TrackActivity struct {
	TrackID   int
	IsActive  bool
	NoteCount int

	// FirstEvent and LastEvent are only meaningful when IsActive.
	FirstEvent timeline.Point
	LastEvent  timeline.Point
}

// Analyze scans the log and returns one entry per device track, in
// track id order. A track is active when at least one note on landed
// on its channel; mute and pattern messages never count as activity.
// Repeated runs over the same log return identical results.
func Analyze(log *midilog.Log) []TrackActivity {
	activities := make([]TrackActivity, octatrack.NumTracks)
	for i := range activities {
		activities[i].TrackID = i + 1
	}

	for _, ev := range log.Events() {
		if ev.Kind != midilog.KindNoteOn || ev.Channel >= octatrack.NumTracks {
			continue
		}
		a := &activities[ev.Channel]
		if !a.IsActive {
			a.IsActive = true
			a.FirstEvent = ev.Timestamp
		}
		a.LastEvent = ev.Timestamp
		a.NoteCount++
	}
	return activities
}

// ActiveTracks returns the 1-based ids of active tracks, the default
// capture selection.
func ActiveTracks(activities []TrackActivity) []int {
	var tracks []int
	for _, a := range activities {
		if a.IsActive {
			tracks = append(tracks, a.TrackID)
		}
	}
	return tracks
}
