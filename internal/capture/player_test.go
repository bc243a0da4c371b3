package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/stemcapture/internal/audio"
	"github.com/audiolibrelab/stemcapture/internal/midilog"
	"github.com/audiolibrelab/stemcapture/internal/octatrack"
	"github.com/audiolibrelab/stemcapture/internal/session"
	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

// collectingSender records every outbound message, standing in for
// the device output. With echo set it answers the transport start
// trigger with a realtime start, the way the hardware does.
type collectingSender struct {
	mu      sync.Mutex
	msgs    []gomidi.Message
	watcher *TransportWatcher
	echo    bool
}

func (s *collectingSender) send(msg gomidi.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	if s.echo && s.watcher != nil && isNoteTrigger(msg, octatrack.StartNote) {
		s.watcher.Handle([]byte{0xFA})
	}
	return nil
}

func (s *collectingSender) messages() []gomidi.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gomidi.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func isNoteTrigger(msg gomidi.Message, note uint8) bool {
	return len(msg) == 3 && msg[0]&0xF0 == 0x90 && msg[1] == note && msg[2] > 0
}

func isCC(msg gomidi.Message, controller, value uint8) bool {
	return len(msg) == 3 && msg[0]&0xF0 == 0xB0 && msg[1] == controller && msg[2] == value
}

func indexOfTrigger(msgs []gomidi.Message, note uint8) int {
	for i, m := range msgs {
		if isNoteTrigger(m, note) {
			return i
		}
	}
	return -1
}

func countCC(msgs []gomidi.Message, channel, controller, value uint8) int {
	n := 0
	for _, m := range msgs {
		if isCC(m, controller, value) && m[0]&0x0F == channel {
			n++
		}
	}
	return n
}

// fakeStream pumps silent interleaved blocks until stopped. With
// silent set it produces nothing, standing in for a stalled driver.
type fakeStream struct {
	blocks   chan []float32
	stop     chan struct{}
	stopOnce sync.Once
}

func newFakeStream(channels, blockFrames int, stalled bool) *fakeStream {
	s := &fakeStream{
		blocks: make(chan []float32),
		stop:   make(chan struct{}),
	}
	go func() {
		defer close(s.blocks)
		if stalled {
			<-s.stop
			return
		}
		for {
			block := make([]float32, channels*blockFrames)
			select {
			case s.blocks <- block:
			case <-s.stop:
				return
			}
		}
	}()
	return s
}

func (s *fakeStream) Blocks() <-chan []float32 { return s.blocks }
func (s *fakeStream) Err() error               { return nil }
func (s *fakeStream) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// fakeBackend hands out fake streams, failing the first failFirst
// opens to exercise pass-level recovery.
type fakeBackend struct {
	mu        sync.Mutex
	failFirst int
	stalled   bool
	opened    int
}

func (b *fakeBackend) Open(cfg audio.StreamConfig) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened++
	if b.opened <= b.failFirst {
		return nil, fmt.Errorf("no such source")
	}
	return newFakeStream(cfg.Channels, 256, b.stalled), nil
}

func (b *fakeBackend) ListSources() ([]string, error)     { return []string{"fake"}, nil }
func (b *fakeBackend) ValidateSource(source string) error { return nil }
func (b *fakeBackend) Type() audio.BackendType            { return "fake" }

func testSession() *session.Session {
	activities := make([]session.TrackActivity, 0, octatrack.NumTracks)
	for track := 1; track <= octatrack.NumTracks; track++ {
		active := track == 2 || track == 3 || track == 5
		activities = append(activities, session.TrackActivity{TrackID: track, IsActive: active})
	}
	return &session.Session{
		ID:              "test-session",
		SampleRate:      48000,
		PCChannel:       11,
		AnchorSource:    session.AnchorTransportEcho,
		ContentStart:    0.05,
		ContentDuration: 0.05,
		StereoMix: session.StereoMix{
			File:          session.StereoMixFile,
			Offset:        0,
			Frames:        4800,
			ChannelLayout: session.LayoutStereo,
		},
		MidiLog:         session.MidiLogFile,
		TrackActivities: activities,
		Stems:           []session.Stem{},
	}
}

func testLog() *midilog.Log {
	events := []midilog.Event{
		midilog.NewEvent(timeline.FromSeconds(0.06), gomidi.NoteOn(2, 60, 100)),
		midilog.NewEvent(timeline.FromSeconds(0.07), gomidi.ControlChange(5, octatrack.MuteCC, octatrack.UnmuteValue)),
		midilog.NewEvent(timeline.FromSeconds(0.08), gomidi.NoteOff(2, 60)),
	}
	return midilog.NewLog(events, midilog.Anchors{})
}

func testOptions() Options {
	return Options{
		EchoTimeout:   150 * time.Millisecond,
		LatencyLead:   0,
		MeterInterval: time.Hour,
		WatchdogSlack: 2 * time.Second,
		ReplayTick:    time.Millisecond,
	}
}

func testPlayer(t *testing.T, dir string, sess *session.Session, log *midilog.Log, tracks []int, sender *collectingSender, backend audio.Backend, opts Options) *Player {
	t.Helper()
	watcher := NewTransportWatcher()
	sender.watcher = watcher
	p, err := NewPlayer(PlayerConfig{
		Dir:            dir,
		Session:        sess,
		Log:            log,
		Tracks:         tracks,
		PCChannel:      sess.PCChannel,
		StartPattern:   0,
		TailTime:       sess.TailTime,
		Send:           sender.send,
		Backend:        backend,
		Source:         "fake",
		StreamChannels: 2,
		Map:            audio.DefaultChannelMap(),
		Watcher:        watcher,
		Options:        opts,
	})
	if err != nil {
		t.Fatalf("NewPlayer failed: %v", err)
	}
	return p
}

// runCollect drives Run to completion, draining the progress stream.
func runCollect(t *testing.T, ctx context.Context, p *Player) ([]Progress, error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	var events []Progress
	for ev := range p.Progress() {
		events = append(events, ev)
	}
	return events, <-done
}

func statesOf(events []Progress) []State {
	var out []State
	for _, ev := range events {
		if ev.Kind == ProgressPassStarted || ev.Kind == ProgressStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func eventsOf(events []Progress, kind ProgressKind) []Progress {
	var out []Progress
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestPlayerRun_CapturesStem(t *testing.T) {
	dir := t.TempDir()
	sess := testSession()
	sender := &collectingSender{echo: true}
	p := testPlayer(t, dir, sess, testLog(), []int{3}, sender, &fakeBackend{}, testOptions())

	events, err := runCollect(t, context.Background(), p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(events) == 0 || events[0].Kind != ProgressPartReload {
		t.Fatalf("Expected part reload notice first, got %+v", events[0])
	}

	wantStates := []State{
		StateIdle,
		StateArmingMute,
		StateAwaitingTransportStart,
		StateRecording,
		StateTailDrain,
		StateFinalizing,
		StateComplete,
	}
	if got := statesOf(events); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("Expected state sequence %v, got %v", wantStates, got)
	}

	completed := eventsOf(events, ProgressPassCompleted)
	if len(completed) != 1 {
		t.Fatalf("Expected 1 completed pass, got %d", len(completed))
	}
	stem := completed[0].Stem
	if stem == nil {
		t.Fatal("Expected completed pass to carry its stem")
	}
	if stem.TrackID != 3 {
		t.Errorf("Expected stem for track 3, got %d", stem.TrackID)
	}
	if stem.AlignmentConfidence != session.ConfidenceExact {
		t.Errorf("Expected exact confidence, got %s", stem.AlignmentConfidence)
	}
	if stem.Frames != 4800 {
		t.Errorf("Expected 4800 frames, got %d", stem.Frames)
	}
	if stem.Duration != 0.1 {
		t.Errorf("Expected 0.1s duration, got %g", stem.Duration)
	}
	if stem.Offset < 0.04 || stem.Offset > 0.5 {
		t.Errorf("Expected offset near the pre-roll, got %g", stem.Offset)
	}

	if _, err := os.Stat(filepath.Join(dir, session.StemFile(3))); err != nil {
		t.Errorf("Expected stem file on disk: %v", err)
	}

	loaded, err := session.Load(dir)
	if err != nil {
		t.Fatalf("Failed to load persisted session: %v", err)
	}
	if _, ok := loaded.StemFor(3); !ok {
		t.Error("Expected persisted session to record the stem")
	}

	final := events[len(events)-1]
	if final.Kind != ProgressRunCompleted {
		t.Fatalf("Expected run completion last, got %s", final.Kind)
	}
	if !reflect.DeepEqual(final.Captured, []int{3}) {
		t.Errorf("Expected captured [3], got %v", final.Captured)
	}
	if len(final.Failed) != 0 {
		t.Errorf("Expected no failed passes, got %v", final.Failed)
	}
}

func TestPlayerRun_MuteArrangement(t *testing.T) {
	dir := t.TempDir()
	sender := &collectingSender{echo: true}
	p := testPlayer(t, dir, testSession(), testLog(), []int{3}, sender, &fakeBackend{}, testOptions())

	if _, err := runCollect(t, context.Background(), p); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	msgs := sender.messages()
	startIdx := indexOfTrigger(msgs, octatrack.StartNote)
	if startIdx < 16 {
		t.Fatalf("Expected mute bursts before the start trigger, trigger at %d", startIdx)
	}

	// The 8 messages before the start trigger isolate the target:
	// every track muted except track 3 on wire channel 2.
	isolate := msgs[startIdx-8 : startIdx]
	for i, m := range isolate {
		ch := uint8(i)
		want := uint8(octatrack.MuteValue)
		if ch == 2 {
			want = octatrack.UnmuteValue
		}
		if !isCC(m, octatrack.MuteCC, want) || m[0]&0x0F != ch {
			t.Errorf("Isolation message %d: expected mute CC %d on channel %d, got % X", i, want, ch, []byte(m))
		}
	}

	// The 8 before that mute everything.
	for i, m := range msgs[startIdx-16 : startIdx-8] {
		if !isCC(m, octatrack.MuteCC, octatrack.MuteValue) {
			t.Errorf("Mute-all message %d: expected mute CC, got % X", i, []byte(m))
		}
	}

	// The jam's own unmute of track 6 (channel 5) must be rewritten
	// to a mute during replay. The only channel-5 unmute in the whole
	// stream is the final unmute-all.
	if got := countCC(msgs, 5, octatrack.MuteCC, octatrack.UnmuteValue); got != 1 {
		t.Errorf("Expected exactly 1 unmute on channel 5 (from unmute-all), got %d", got)
	}
	if got := countCC(msgs, 5, octatrack.MuteCC, octatrack.MuteValue); got != 3 {
		t.Errorf("Expected 3 mutes on channel 5 (mute-all, isolate, rewritten replay), got %d", got)
	}

	// Replayed note passes through untouched.
	found := false
	for _, m := range msgs {
		if isNoteTrigger(m, 60) && m[0]&0x0F == 2 {
			found = true
			break
		}
	}
	if !found {
		t.Error("Expected the jam note to be replayed on its original channel")
	}

	// The run ends with every track unmuted.
	tail := msgs[len(msgs)-8:]
	for i, m := range tail {
		if !isCC(m, octatrack.MuteCC, octatrack.UnmuteValue) {
			t.Errorf("Final message %d: expected unmute CC, got % X", i, []byte(m))
		}
	}
}

func TestPlayerRun_DegradedWithoutEcho(t *testing.T) {
	dir := t.TempDir()
	sess := testSession()
	sender := &collectingSender{echo: false}
	opts := testOptions()
	opts.EchoTimeout = 30 * time.Millisecond
	p := testPlayer(t, dir, sess, testLog(), []int{2}, sender, &fakeBackend{}, opts)

	events, err := runCollect(t, context.Background(), p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	degraded := eventsOf(events, ProgressDegraded)
	if len(degraded) != 1 {
		t.Fatalf("Expected 1 degraded alignment event, got %d", len(degraded))
	}
	if degraded[0].Diagnostic == nil || degraded[0].Diagnostic.Kind != DiagTransportTimeout {
		t.Errorf("Expected transport timeout diagnostic, got %+v", degraded[0].Diagnostic)
	}

	completed := eventsOf(events, ProgressPassCompleted)
	if len(completed) != 1 {
		t.Fatalf("Expected the pass to complete despite the missing echo, got %d completions", len(completed))
	}
	if got := completed[0].Stem.AlignmentConfidence; got != session.ConfidenceDegraded {
		t.Errorf("Expected degraded confidence, got %s", got)
	}
}

func TestPlayerRun_DeviceFailureSkipsPass(t *testing.T) {
	dir := t.TempDir()
	sess := testSession()
	sender := &collectingSender{echo: true}
	backend := &fakeBackend{failFirst: 1}
	p := testPlayer(t, dir, sess, testLog(), []int{2, 5}, sender, backend, testOptions())

	events, err := runCollect(t, context.Background(), p)
	if err != nil {
		t.Fatalf("Expected the queue to survive a device failure, got %v", err)
	}

	failed := eventsOf(events, ProgressPassFailed)
	if len(failed) != 1 || failed[0].Track != 2 {
		t.Fatalf("Expected track 2 to fail, got %+v", failed)
	}
	if failed[0].Diagnostic.Kind != DiagDeviceUnavailable {
		t.Errorf("Expected device_unavailable, got %s", failed[0].Diagnostic.Kind)
	}

	completed := eventsOf(events, ProgressPassCompleted)
	if len(completed) != 1 || completed[0].Track != 5 {
		t.Fatalf("Expected track 5 to complete, got %+v", completed)
	}

	final := events[len(events)-1]
	if final.Kind != ProgressRunCompleted {
		t.Fatalf("Expected run completion, got %s", final.Kind)
	}
	if !reflect.DeepEqual(final.Captured, []int{5}) || !reflect.DeepEqual(final.Failed, []int{2}) {
		t.Errorf("Expected captured [5] failed [2], got %v / %v", final.Captured, final.Failed)
	}

	if _, err := os.Stat(filepath.Join(dir, session.StemFile(5))); err != nil {
		t.Errorf("Expected stem for track 5 on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, session.StemFile(2))); err == nil {
		t.Error("Expected no stem for the failed track")
	}

	// Active tracks the operator never requested are recorded as
	// skipped; the failed track was requested, so it is not.
	loaded, err := session.Load(dir)
	if err != nil {
		t.Fatalf("Failed to load persisted session: %v", err)
	}
	if !reflect.DeepEqual(loaded.SkippedTracks, []int{3}) {
		t.Errorf("Expected skipped tracks [3], got %v", loaded.SkippedTracks)
	}
}

func TestPlayerRun_CancelAbortsRun(t *testing.T) {
	dir := t.TempDir()
	sess := testSession()
	sess.ContentDuration = 0.5
	sender := &collectingSender{echo: true}
	p := testPlayer(t, dir, sess, testLog(), []int{3}, sender, &fakeBackend{}, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var events []Progress
	for ev := range p.Progress() {
		events = append(events, ev)
		if ev.Kind == ProgressStateChanged && ev.State == StateRecording {
			cancel()
		}
	}
	err := <-done
	if err == nil {
		t.Fatal("Expected cancellation to fail the run")
	}
	diag, ok := AsDiagnostic(err)
	if !ok || diag.Kind != DiagReplayInterrupted {
		t.Fatalf("Expected replay_interrupted, got %v", err)
	}

	if got := eventsOf(events, ProgressRunCompleted); len(got) != 0 {
		t.Error("Expected no run completion after cancellation")
	}
	if _, err := os.Stat(filepath.Join(dir, session.StemFile(3))); err == nil {
		t.Error("Expected the aborted stem to be discarded")
	}

	// The run leaves the device stopped and muted, never unmuted.
	msgs := sender.messages()
	if len(msgs) < 8 {
		t.Fatalf("Expected safety messages, got %d messages", len(msgs))
	}
	for i, m := range msgs[len(msgs)-8:] {
		if !isCC(m, octatrack.MuteCC, octatrack.MuteValue) {
			t.Errorf("Final message %d: expected mute CC, got % X", i, []byte(m))
		}
	}
}

func TestPlayerRun_StalledCaptureFailsPass(t *testing.T) {
	dir := t.TempDir()
	sess := testSession()
	sender := &collectingSender{echo: true}
	backend := &fakeBackend{stalled: true}
	opts := testOptions()
	opts.WatchdogSlack = 50 * time.Millisecond
	p := testPlayer(t, dir, sess, testLog(), []int{3}, sender, backend, opts)

	events, err := runCollect(t, context.Background(), p)
	if err != nil {
		t.Fatalf("Expected the queue to survive a stalled capture, got %v", err)
	}

	failed := eventsOf(events, ProgressPassFailed)
	if len(failed) != 1 {
		t.Fatalf("Expected 1 failed pass, got %d", len(failed))
	}
	if failed[0].Diagnostic.Kind != DiagDeviceUnavailable {
		t.Errorf("Expected device_unavailable for a stalled stream, got %s", failed[0].Diagnostic.Kind)
	}

	final := events[len(events)-1]
	if final.Kind != ProgressRunCompleted || !reflect.DeepEqual(final.Failed, []int{3}) {
		t.Errorf("Expected run completion with track 3 failed, got %+v", final)
	}
}

func TestPlayerRun_WriteFailureIsFatal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	sess := testSession()
	sender := &collectingSender{echo: true}
	p := testPlayer(t, dir, sess, testLog(), []int{3, 5}, sender, &fakeBackend{}, testOptions())

	events, err := runCollect(t, context.Background(), p)
	if err == nil {
		t.Fatal("Expected a write failure to abort the run")
	}
	diag, ok := AsDiagnostic(err)
	if !ok || diag.Kind != DiagWriteFailure {
		t.Fatalf("Expected write_failure, got %v", err)
	}

	// The second track is never attempted.
	started := eventsOf(events, ProgressPassStarted)
	if len(started) != 1 {
		t.Errorf("Expected only the first pass to start, got %d", len(started))
	}
	if got := eventsOf(events, ProgressRunCompleted); len(got) != 0 {
		t.Error("Expected no run completion after a write failure")
	}
}

func TestPlayerRun_EmptyLogIsFatal(t *testing.T) {
	dir := t.TempDir()
	sender := &collectingSender{}
	log := midilog.NewLog(nil, midilog.Anchors{})
	p := testPlayer(t, dir, testSession(), log, []int{3}, sender, &fakeBackend{}, testOptions())

	events, err := runCollect(t, context.Background(), p)
	if err == nil {
		t.Fatal("Expected an empty log to abort the run")
	}
	diag, ok := AsDiagnostic(err)
	if !ok || diag.Kind != DiagMalformedLog {
		t.Fatalf("Expected malformed_log, got %v", err)
	}
	if len(events) != 1 || events[0].Kind != ProgressPassFailed {
		t.Fatalf("Expected a single failure event, got %+v", events)
	}
	if len(sender.messages()) != 0 {
		t.Error("Expected no MIDI sent before validation")
	}
}

func TestPlayerRun_SecondRunRejected(t *testing.T) {
	dir := t.TempDir()
	sender := &collectingSender{echo: true}
	p := testPlayer(t, dir, testSession(), testLog(), []int{3}, sender, &fakeBackend{}, testOptions())

	if _, err := runCollect(t, context.Background(), p); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Expected second run to be rejected")
	}
}

func TestNewPlayerValidation(t *testing.T) {
	dir := t.TempDir()
	base := func() PlayerConfig {
		return PlayerConfig{
			Dir:            dir,
			Session:        testSession(),
			Log:            testLog(),
			Tracks:         []int{1},
			PCChannel:      11,
			Send:           (&collectingSender{}).send,
			Backend:        &fakeBackend{},
			StreamChannels: 2,
			Map:            audio.DefaultChannelMap(),
			Watcher:        NewTransportWatcher(),
		}
	}

	tests := []struct {
		name   string
		mutate func(*PlayerConfig)
	}{
		{"nil session", func(c *PlayerConfig) { c.Session = nil }},
		{"nil log", func(c *PlayerConfig) { c.Log = nil }},
		{"empty dir", func(c *PlayerConfig) { c.Dir = "" }},
		{"nil sender", func(c *PlayerConfig) { c.Send = nil }},
		{"nil backend", func(c *PlayerConfig) { c.Backend = nil }},
		{"nil watcher", func(c *PlayerConfig) { c.Watcher = nil }},
		{"no tracks", func(c *PlayerConfig) { c.Tracks = nil }},
		{"track too low", func(c *PlayerConfig) { c.Tracks = []int{0} }},
		{"track too high", func(c *PlayerConfig) { c.Tracks = []int{9} }},
		{"bad pc channel", func(c *PlayerConfig) { c.PCChannel = 17 }},
		{"no audio length", func(c *PlayerConfig) {
			c.Session = testSession()
			c.Session.StereoMix.Frames = 0
			c.Session.ContentStart = 0
			c.Session.ContentDuration = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if _, err := NewPlayer(cfg); err == nil {
				t.Error("Expected an error, got nil")
			}
		})
	}

	if _, err := NewPlayer(base()); err != nil {
		t.Errorf("Expected valid config to pass, got %v", err)
	}
}

func TestTrimLogDropsPostContentEvents(t *testing.T) {
	sess := testSession()
	sess.ContentStart = 0.25
	sess.ContentDuration = 0.25
	sess.StereoMix.Frames = 48000

	events := []midilog.Event{
		midilog.NewEvent(timeline.FromSeconds(0.3), gomidi.NoteOn(0, 60, 100)),
		midilog.NewEvent(timeline.FromSeconds(0.5), gomidi.NoteOff(0, 60)),
		midilog.NewEvent(timeline.FromSeconds(0.75), gomidi.NoteOn(0, 62, 100)),
	}
	sender := &collectingSender{}
	p := testPlayer(t, t.TempDir(), sess, midilog.NewLog(events, midilog.Anchors{}), []int{1}, sender, &fakeBackend{}, testOptions())

	if got := p.replayLog.Len(); got != 2 {
		t.Errorf("Expected 2 events inside the content window, got %d", got)
	}
	last, _ := p.replayLog.Last()
	if last.Timestamp != timeline.FromSeconds(0.5) {
		t.Errorf("Expected the boundary event to be kept, got %v", last.Timestamp)
	}
}

func TestStemFramesMatchesLongerSide(t *testing.T) {
	sender := &collectingSender{}

	// Mix longer than pre-roll + content + tail.
	sess := testSession()
	sess.StereoMix.Frames = 9600
	p := testPlayer(t, t.TempDir(), sess, testLog(), []int{1}, sender, &fakeBackend{}, testOptions())
	if got := p.stemFrames(); got != 9600 {
		t.Errorf("Expected mix length 9600 to win, got %d", got)
	}

	// Tail pushes the plan past the mix length.
	sess = testSession()
	sess.TailTime = 0.1
	p = testPlayer(t, t.TempDir(), sess, testLog(), []int{1}, sender, &fakeBackend{}, testOptions())
	if got := p.stemFrames(); got != 9600 {
		t.Errorf("Expected plan length 9600 to win, got %d", got)
	}
}

func TestPrerollClampsNegative(t *testing.T) {
	sess := testSession()
	sess.StereoMix.Offset = 0.2
	sender := &collectingSender{}
	p := testPlayer(t, t.TempDir(), sess, testLog(), []int{1}, sender, &fakeBackend{}, testOptions())
	if got := p.preroll(); got != 0 {
		t.Errorf("Expected zero pre-roll when audio starts after the anchor, got %v", got)
	}
}

func TestDedupeTracks(t *testing.T) {
	got := dedupeTracks([]int{5, 2, 5, 2, 8})
	if !reflect.DeepEqual(got, []int{2, 5, 8}) {
		t.Errorf("Expected [2 5 8], got %v", got)
	}
}

func TestSaveStemReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	sess := testSession()
	sess.TailTime = 0.25
	sess.Stems = []session.Stem{
		{TrackID: 3, File: session.StemFile(3), Frames: 100},
		{TrackID: 7, File: session.StemFile(7), Frames: 200},
	}
	sender := &collectingSender{}
	p := testPlayer(t, dir, sess, testLog(), []int{3}, sender, &fakeBackend{}, testOptions())

	if err := p.saveStem(session.Stem{TrackID: 3, File: session.StemFile(3), Frames: 4800}); err != nil {
		t.Fatalf("saveStem failed: %v", err)
	}
	if err := p.saveStem(session.Stem{TrackID: 1, File: session.StemFile(1), Frames: 4800}); err != nil {
		t.Fatalf("saveStem failed: %v", err)
	}

	if len(sess.Stems) != 3 {
		t.Fatalf("Expected 3 stems, got %d", len(sess.Stems))
	}
	order := []int{sess.Stems[0].TrackID, sess.Stems[1].TrackID, sess.Stems[2].TrackID}
	if !reflect.DeepEqual(order, []int{1, 3, 7}) {
		t.Errorf("Expected stems sorted by track, got %v", order)
	}
	stem, _ := sess.StemFor(3)
	if stem.Frames != 4800 {
		t.Errorf("Expected recapture to replace the old stem, got %d frames", stem.Frames)
	}

	loaded, err := session.Load(dir)
	if err != nil {
		t.Fatalf("Failed to load persisted session: %v", err)
	}
	if loaded.TailTime != 0.25 {
		t.Errorf("Expected tail time persisted, got %g", loaded.TailTime)
	}
}

func TestPlayerRun_ReplaysProgramChangeEveryPass(t *testing.T) {
	dir := t.TempDir()
	sess := testSession()
	sess.TailTime = 0.02
	events := []midilog.Event{
		midilog.NewEvent(timeline.FromSeconds(0.06), gomidi.NoteOn(0, 60, 100)),
		midilog.NewEvent(timeline.FromSeconds(0.07), gomidi.ProgramChange(10, 4)),
		midilog.NewEvent(timeline.FromSeconds(0.08), gomidi.NoteOff(0, 60)),
	}
	log := midilog.NewLog(events, midilog.Anchors{})
	sender := &collectingSender{echo: true}
	p := testPlayer(t, dir, sess, log, []int{1, 3}, sender, &fakeBackend{}, testOptions())

	progress, err := runCollect(t, context.Background(), p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	completed := eventsOf(progress, ProgressPassCompleted)
	if len(completed) != 2 {
		t.Fatalf("Expected 2 completed passes, got %d", len(completed))
	}
	if completed[0].Track != 1 || completed[1].Track != 3 {
		t.Errorf("Expected passes for tracks 1 and 3, got %d and %d",
			completed[0].Track, completed[1].Track)
	}

	drains := 0
	for _, s := range statesOf(progress) {
		if s == StateTailDrain {
			drains++
		}
	}
	if drains != 2 {
		t.Errorf("Expected a tail drain in each pass, got %d", drains)
	}

	msgs := sender.messages()
	var startIdx, pcIdx []int
	stops := 0
	for i, m := range msgs {
		if isNoteTrigger(m, octatrack.StartNote) {
			startIdx = append(startIdx, i)
		}
		if isNoteTrigger(m, octatrack.StopNote) {
			stops++
		}
		if len(m) == 2 && m[0] == 0xCA && m[1] == 4 {
			pcIdx = append(pcIdx, i)
		}
	}
	if len(startIdx) != 2 {
		t.Fatalf("Expected one transport start per pass, got %d", len(startIdx))
	}
	if len(pcIdx) != 2 {
		t.Fatalf("Expected the program change replayed once per pass, got %d", len(pcIdx))
	}
	if pcIdx[0] <= startIdx[0] || pcIdx[0] >= startIdx[1] {
		t.Errorf("First program change at %d should fall inside the first pass (starts %v)", pcIdx[0], startIdx)
	}
	if pcIdx[1] <= startIdx[1] {
		t.Errorf("Second program change at %d should follow the second start at %d", pcIdx[1], startIdx[1])
	}
	// Arming triple-stop, content-end stop, post-pass triple-stop.
	if stops != 14 {
		t.Errorf("Expected 7 stop triggers per pass, got %d total", stops)
	}

	loaded, err := session.Load(dir)
	if err != nil {
		t.Fatalf("Failed to load persisted session: %v", err)
	}
	if got := loaded.CapturedTracks(); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("Expected stems for tracks 1 and 3, got %v", got)
	}
	for _, track := range []int{1, 3} {
		stem, _ := loaded.StemFor(track)
		if stem.Frames != 5760 {
			t.Errorf("Track %d stem: expected 5760 frames (pre-roll+content+tail), got %d", track, stem.Frames)
		}
	}
}
