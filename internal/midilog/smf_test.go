package midilog

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"pgregory.net/rapid"

	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

func TestSMFRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "midi_log.mid")
	log := NewLog([]Event{
		atMS(0, gomidi.ControlChange(0, 49, 0)),
		atMS(123, gomidi.NoteOn(2, 60, 100)),
		atMS(450, gomidi.NoteOff(2, 60)),
		atMS(450, gomidi.ProgramChange(15, 7)),
		atMS(800, gomidi.Pitchbend(2, -4096)),
		atMS(810, gomidi.AfterTouch(2, 90)),
		atMS(820, gomidi.PolyAfterTouch(2, 60, 45)),
		atMS(2000, gomidi.NoteOn(7, 33, 100)),
	}, Anchors{})

	if err := WriteSMF(path, log); err != nil {
		t.Fatalf("WriteSMF() = %v", err)
	}
	events, err := ReadSMF(path)
	if err != nil {
		t.Fatalf("ReadSMF() = %v", err)
	}

	if len(events) != log.Len() {
		t.Fatalf("read %d events, want %d", len(events), log.Len())
	}
	for i, want := range log.Events() {
		got := events[i]
		if got.Timestamp != want.Timestamp {
			t.Errorf("event %d timestamp = %v, want %v", i, got.Timestamp, want.Timestamp)
		}
		if !bytes.Equal(got.Data, want.Data) {
			t.Errorf("event %d data = % X, want % X", i, got.Data, want.Data)
		}
	}
}

func TestWriteSMFSkipsNonVoiceEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "midi_log.mid")
	log := NewLog([]Event{
		atMS(0, []byte{0xFA}),
		atMS(100, gomidi.NoteOn(0, 60, 100)),
		atMS(200, []byte{0xFC}),
	}, Anchors{})

	if err := WriteSMF(path, log); err != nil {
		t.Fatalf("WriteSMF() = %v", err)
	}
	events, err := ReadSMF(path)
	if err != nil {
		t.Fatalf("ReadSMF() = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("read %d events, want 1", len(events))
	}
	if events[0].Kind != KindNoteOn {
		t.Errorf("kind = %v, want note on", events[0].Kind)
	}
	if events[0].Timestamp != timeline.Point(100*time.Millisecond) {
		t.Errorf("timestamp = %v, want 100ms", events[0].Timestamp)
	}
}

func TestSMFRoundTripProperty(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 50).Draw(t, "count")
		var ms int64
		events := make([]Event, 0, count)
		for i := 0; i < count; i++ {
			ms += rapid.Int64Range(0, 500).Draw(t, "gap")
			channel := uint8(rapid.IntRange(0, 15).Draw(t, "channel"))
			var data []byte
			switch rapid.SampledFrom([]string{"on", "off", "cc", "pc", "bend", "at"}).Draw(t, "kind") {
			case "on":
				data = gomidi.NoteOn(channel,
					uint8(rapid.IntRange(0, 127).Draw(t, "key")),
					uint8(rapid.IntRange(1, 127).Draw(t, "velocity")))
			case "off":
				data = gomidi.NoteOff(channel,
					uint8(rapid.IntRange(0, 127).Draw(t, "key")))
			case "cc":
				data = gomidi.ControlChange(channel,
					uint8(rapid.IntRange(0, 127).Draw(t, "controller")),
					uint8(rapid.IntRange(0, 127).Draw(t, "value")))
			case "pc":
				data = gomidi.ProgramChange(channel,
					uint8(rapid.IntRange(0, 127).Draw(t, "program")))
			case "bend":
				data = gomidi.Pitchbend(channel,
					int16(rapid.IntRange(-8192, 8191).Draw(t, "pitch")))
			case "at":
				data = gomidi.AfterTouch(channel,
					uint8(rapid.IntRange(0, 127).Draw(t, "pressure")))
			}
			events = append(events, atMS(ms, data))
		}

		path := filepath.Join(dir, "log.mid")
		log := NewLog(events, Anchors{})
		if err := WriteSMF(path, log); err != nil {
			t.Fatalf("WriteSMF() = %v", err)
		}
		read, err := ReadSMF(path)
		if err != nil {
			t.Fatalf("ReadSMF() = %v", err)
		}
		if len(read) != len(events) {
			t.Fatalf("read %d events, want %d", len(read), len(events))
		}
		for i := range events {
			if read[i].Timestamp != events[i].Timestamp {
				t.Fatalf("event %d timestamp = %v, want %v", i, read[i].Timestamp, events[i].Timestamp)
			}
			if !bytes.Equal(read[i].Data, events[i].Data) {
				t.Fatalf("event %d data = % X, want % X", i, read[i].Data, events[i].Data)
			}
		}
	})
}
