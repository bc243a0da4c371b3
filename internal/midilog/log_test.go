package midilog

import (
	"testing"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		kind    Kind
		channel uint8
	}{
		{"note on", []byte{0x92, 60, 100}, KindNoteOn, 2},
		{"note on velocity zero", []byte{0x92, 60, 0}, KindNoteOff, 2},
		{"note off", []byte{0x85, 60, 0}, KindNoteOff, 5},
		{"poly aftertouch", []byte{0xA3, 60, 80}, KindPolyAftertouch, 3},
		{"control change", []byte{0xB0, 49, 127}, KindControlChange, 0},
		{"program change", []byte{0xCA, 3}, KindProgramChange, 10},
		{"aftertouch", []byte{0xD1, 64}, KindAftertouch, 1},
		{"pitch bend", []byte{0xE0, 0x00, 0x40}, KindPitchBend, 0},
		{"truncated pitch bend", []byte{0xE0, 0x00}, KindUnknown, 0},
		{"transport start", []byte{0xFA}, KindStart, 0},
		{"transport stop", []byte{0xFC}, KindStop, 0},
		{"clock", []byte{0xF8}, KindClock, 0},
		{"truncated cc", []byte{0xB0, 49}, KindUnknown, 0},
		{"empty", nil, KindUnknown, 0},
	}

	for _, tt := range tests {
		kind, channel := classify(tt.data)
		if kind != tt.kind {
			t.Errorf("%s: kind = %v, want %v", tt.name, kind, tt.kind)
		}
		if channel != tt.channel {
			t.Errorf("%s: channel = %d, want %d", tt.name, channel, tt.channel)
		}
	}
}

func TestEventAccessors(t *testing.T) {
	cc := NewEvent(0, gomidi.ControlChange(2, 49, 127))
	ctrl, val, ok := cc.Controller()
	if !ok || ctrl != 49 || val != 127 {
		t.Errorf("Controller() = (%d, %d, %v), want (49, 127, true)", ctrl, val, ok)
	}

	note := NewEvent(0, gomidi.NoteOn(0, 60, 100))
	key, vel, ok := note.Note()
	if !ok || key != 60 || vel != 100 {
		t.Errorf("Note() = (%d, %d, %v), want (60, 100, true)", key, vel, ok)
	}

	pc := NewEvent(0, gomidi.ProgramChange(10, 5))
	prog, ok := pc.Program()
	if !ok || prog != 5 {
		t.Errorf("Program() = (%d, %v), want (5, true)", prog, ok)
	}
}

func TestNewEventCopiesData(t *testing.T) {
	raw := []byte{0xB0, 49, 127}
	ev := NewEvent(0, raw)
	raw[2] = 0
	if _, val, _ := ev.Controller(); val != 127 {
		t.Errorf("event shares caller buffer: value = %d, want 127", val)
	}
}

func TestRecorderCapturesAndSeals(t *testing.T) {
	clock := timeline.NewClock()
	rec := NewRecorder(clock)

	rec.Handle(gomidi.NoteOn(0, 60, 100))
	rec.Handle([]byte{0xF8}) // clock, discarded
	rec.Handle(gomidi.ControlChange(1, 49, 127))
	rec.Handle(gomidi.NoteOff(0, 60))

	if got := rec.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}

	log := rec.Seal()
	if log.Len() != 3 {
		t.Fatalf("sealed log has %d events, want 3", log.Len())
	}
	if err := log.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	// Sealed: further messages are dropped.
	rec.Handle(gomidi.NoteOn(0, 61, 100))
	if log.Len() != 3 {
		t.Errorf("log grew after seal: %d events", log.Len())
	}
}

func TestRecorderKeepsExpressiveVoiceMessages(t *testing.T) {
	clock := timeline.NewClock()
	rec := NewRecorder(clock)

	rec.Handle([]byte{0xE0, 0x00, 0x40}) // pitch bend, channel 1
	rec.Handle([]byte{0xD0, 0x40})       // channel aftertouch
	rec.Handle([]byte{0xA0, 60, 80})     // poly aftertouch

	if got := rec.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	for _, ev := range rec.Seal().Events() {
		if !ev.IsChannelVoice() {
			t.Errorf("%s event not replayable", ev.Kind)
		}
	}
}

func TestRecorderAnchors(t *testing.T) {
	clock := timeline.NewClock()
	rec := NewRecorder(clock)

	// Stop before any start is noise from a previous transport state.
	rec.Handle([]byte{0xFC})
	rec.Handle([]byte{0xFA})
	rec.Handle(gomidi.NoteOn(0, 60, 100))
	rec.Handle([]byte{0xFC})
	rec.Handle([]byte{0xFA}) // second start ignored

	log := rec.Seal()
	anchors := log.Anchors()
	if !anchors.HasStart {
		t.Fatal("start anchor not recorded")
	}
	if !anchors.HasStop {
		t.Fatal("stop anchor not recorded")
	}
	if anchors.Stop < anchors.Start {
		t.Errorf("stop anchor %v before start anchor %v", anchors.Stop, anchors.Start)
	}
	if log.Len() != 1 {
		t.Errorf("anchors leaked into event list: %d events, want 1", log.Len())
	}
}

func TestLogValidate(t *testing.T) {
	empty := &Log{}
	if err := empty.Validate(); err != ErrEmptyLog {
		t.Errorf("empty log Validate() = %v, want ErrEmptyLog", err)
	}

	unsorted := &Log{events: []Event{
		NewEvent(timeline.Point(time.Second), gomidi.NoteOn(0, 60, 100)),
		NewEvent(timeline.Point(0), gomidi.NoteOff(0, 60)),
	}}
	if err := unsorted.Validate(); err != ErrUnsortedLog {
		t.Errorf("unsorted log Validate() = %v, want ErrUnsortedLog", err)
	}
}

func TestNewLogRestoresOrder(t *testing.T) {
	events := []Event{
		NewEvent(timeline.Point(time.Second), gomidi.NoteOn(0, 60, 100)),
		NewEvent(timeline.Point(0), gomidi.ControlChange(0, 49, 0)),
	}
	log := NewLog(events, Anchors{})
	if err := log.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	first, _ := log.First()
	if first.Kind != KindControlChange {
		t.Errorf("first event kind = %v, want control change", first.Kind)
	}
}

func TestLogSpan(t *testing.T) {
	log := NewLog([]Event{
		NewEvent(timeline.Point(100*time.Millisecond), gomidi.NoteOn(0, 60, 100)),
		NewEvent(timeline.Point(2600*time.Millisecond), gomidi.NoteOff(0, 60)),
	}, Anchors{})
	if got := log.Span(); got != 2500*time.Millisecond {
		t.Errorf("Span() = %v, want 2.5s", got)
	}
}
