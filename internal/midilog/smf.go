package midilog

import (
	"fmt"
	"math"
	"time"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

// SMF persistence of the event log. 500 ticks per quarter at 120 BPM
// makes one tick exactly one millisecond, so timestamps round-trip at
// the recorder's resolution.
const (
	smfResolution = 500
	smfTempo      = 120.0
)

// WriteSMF persists the log's channel voice events as a single-track
// Standard MIDI File. Transport anchors live in the session metadata,
// not in the file.
func WriteSMF(path string, log *Log) error {
	sm := smf.New()
	sm.TimeFormat = smf.MetricTicks(smfResolution)

	var track smf.Track
	track.Add(0, smf.MetaTempo(smfTempo))

	var last int64
	for _, ev := range log.events {
		if !ev.IsChannelVoice() {
			continue
		}
		ticks := int64(ev.Timestamp.Duration() / time.Millisecond)
		if ticks < last {
			ticks = last
		}
		track.Add(uint32(ticks-last), ev.Message())
		last = ticks
	}
	track.Close(0)

	if err := sm.Add(track); err != nil {
		return fmt.Errorf("building midi log track: %w", err)
	}
	if err := sm.WriteFile(path); err != nil {
		return fmt.Errorf("writing midi log %s: %w", path, err)
	}
	return nil
}

// ReadSMF loads events from a persisted MIDI log. Tracks are merged;
// timestamps are reconstructed from the file's tick resolution and
// first tempo.
func ReadSMF(path string) ([]Event, error) {
	sm, err := smf.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading midi log %s: %w", path, err)
	}

	resolution := float64(smfResolution)
	if mt, ok := sm.TimeFormat.(smf.MetricTicks); ok {
		resolution = float64(mt)
	}
	bpm := float64(smfTempo)
	if tcs := sm.TempoChanges(); len(tcs) > 0 {
		bpm = tcs[0].BPM
	}
	msPerTick := 60000.0 / (bpm * resolution)

	var events []Event
	for _, track := range sm.Tracks {
		var absMS float64
		for _, tev := range track {
			absMS += float64(tev.Delta) * msPerTick
			raw := []byte(tev.Message)
			if len(raw) == 0 || raw[0] == 0xFF {
				continue
			}
			ts := timeline.Point(time.Duration(math.Round(absMS)) * time.Millisecond)
			ev := NewEvent(ts, raw)
			if ev.IsChannelVoice() {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}
