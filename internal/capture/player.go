package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/audiolibrelab/stemcapture/internal/audio"
	"github.com/audiolibrelab/stemcapture/internal/midilog"
	"github.com/audiolibrelab/stemcapture/internal/octatrack"
	"github.com/audiolibrelab/stemcapture/internal/session"
	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

// Options tunes the player's waits. The zero value selects
// DefaultOptions; any non-zero Options is used exactly as given so
// tests can shrink every wait to nothing.
type Options struct {
	// EchoTimeout bounds the wait for the transport start echo.
	EchoTimeout time.Duration

	// LatencyLead starts the transport early by the device's typical
	// response lag so audible content lands on the planned anchor.
	LatencyLead time.Duration

	// MeterInterval rate-limits level events on the progress channel.
	MeterInterval time.Duration

	// WatchdogSlack is added to the expected stem length before a
	// stalled pass is declared dead.
	WatchdogSlack time.Duration

	// ReplayTick is forwarded to the MIDI replay scheduler.
	ReplayTick time.Duration

	// Timing carries the device settle times.
	Timing octatrack.Timing
}

// DefaultOptions returns the hardware-calibrated waits.
func DefaultOptions() Options {
	return Options{
		EchoTimeout:   time.Second,
		LatencyLead:   200 * time.Millisecond,
		MeterInterval: 100 * time.Millisecond,
		WatchdogSlack: 2 * time.Second,
		ReplayTick:    midilog.DefaultTick,
		Timing:        octatrack.DefaultTiming(),
	}
}

// PlayerConfig wires a player to a loaded session and the device.
type PlayerConfig struct {
	// Dir is the session directory stems are written into.
	Dir     string
	Session *session.Session
	Log     *midilog.Log

	// Tracks to capture, 1-8. Captured in ascending order.
	Tracks []int

	// PCChannel and StartPattern mirror the device setup used for
	// the jam; StartPattern 0 skips pattern reselection.
	PCChannel    int
	StartPattern int

	// TailTime extends each stem past the content end, in seconds.
	TailTime float64

	// Send delivers MIDI to the device output.
	Send octatrack.Sender

	// Backend opens the audio capture stream; Source and
	// StreamChannels describe it. Map picks the main pair out of the
	// stream; stems never record the cue pair.
	Backend        audio.Backend
	Source         string
	StreamChannels int
	Map            audio.ChannelMap

	// Watcher observes the MIDI input for transport echoes.
	Watcher *TransportWatcher

	Options Options
}

// Player captures one stem per selected track by replaying the jam
// log with isolation mutes. Run may be called once; callers must
// drain Progress until it closes.
type Player struct {
	cfg  PlayerConfig
	opts Options

	ctrl      *octatrack.Controller
	tracks    []int
	replayLog *midilog.Log

	progress chan Progress

	mu      sync.Mutex
	started bool

	meterMu      sync.Mutex
	meterLast    time.Time
	currentTrack int
	currentIndex int
}

// NewPlayer validates the wiring and prepares the replay window.
func NewPlayer(cfg PlayerConfig) (*Player, error) {
	if cfg.Session == nil || cfg.Log == nil {
		return nil, fmt.Errorf("capture player needs a session and its MIDI log")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("capture player needs a session directory")
	}
	if cfg.Send == nil || cfg.Backend == nil || cfg.Watcher == nil {
		return nil, fmt.Errorf("capture player needs a MIDI sender, an audio backend and a transport watcher")
	}
	if len(cfg.Tracks) == 0 {
		return nil, fmt.Errorf("no tracks selected for capture")
	}

	tracks := dedupeTracks(cfg.Tracks)
	for _, t := range tracks {
		if !octatrack.ValidTrack(t) {
			return nil, fmt.Errorf("track %d out of range 1-%d", t, octatrack.NumTracks)
		}
	}

	opts := cfg.Options
	if opts == (Options{}) {
		opts = DefaultOptions()
	}

	ctrl, err := octatrack.NewController(cfg.Send, cfg.PCChannel, opts.Timing)
	if err != nil {
		return nil, err
	}

	p := &Player{
		cfg:      cfg,
		opts:     opts,
		ctrl:     ctrl,
		tracks:   tracks,
		progress: make(chan Progress, 64),
	}
	if p.stemFrames() <= 0 {
		return nil, fmt.Errorf("session records no audio length to match stems against")
	}
	p.replayLog = p.trimLog(cfg.Log)
	return p, nil
}

// Progress returns the event channel. It closes when Run returns.
func (p *Player) Progress() <-chan Progress {
	return p.progress
}

// Run captures every selected track in ascending order. A device
// failure aborts only the affected pass; persistence failures, a
// malformed log and operator cancellation end the run. The returned
// error is nil when the queue ran to completion, even if individual
// passes failed.
func (p *Player) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("capture run already started")
	}
	p.started = true
	p.mu.Unlock()

	defer close(p.progress)

	if err := p.cfg.Log.Validate(); err != nil {
		diag := &Diagnostic{Kind: DiagMalformedLog, Err: err}
		p.emit(Progress{Kind: ProgressPassFailed, Diagnostic: diag})
		return diag
	}

	p.emit(Progress{
		Kind:    ProgressPartReload,
		Total:   len(p.tracks),
		Message: "Reload the part on the Octatrack before capture so all mutes start from the saved state",
	})

	var captured, failed []int
	for i, track := range p.tracks {
		if ctx.Err() != nil {
			p.safetyStop()
			return &Diagnostic{Kind: DiagReplayInterrupted, Track: track, Err: ctx.Err()}
		}

		stem, diag := p.runPass(ctx, i+1, track)
		if diag == nil {
			captured = append(captured, track)
			p.emit(Progress{Kind: ProgressPassCompleted, Track: track, Index: i + 1, Total: len(p.tracks), Stem: stem})
			continue
		}

		p.setState(track, i+1, StateAborted)
		p.emit(Progress{Kind: ProgressPassFailed, Track: track, Index: i + 1, Total: len(p.tracks), Diagnostic: diag})
		if diag.Kind.Fatal() {
			p.safetyStop()
			return diag
		}
		failed = append(failed, track)
		slog.Warn("Capture pass failed, continuing with next track", "track", track, "error", diag)
	}

	if err := p.ctrl.UnmuteAll(); err != nil {
		slog.Warn("Failed to unmute tracks after capture run", "error", err)
	}

	if err := p.saveRunState(captured); err != nil {
		diag := &Diagnostic{Kind: DiagWriteFailure, Err: err}
		p.emit(Progress{Kind: ProgressPassFailed, Diagnostic: diag})
		return diag
	}

	p.emit(Progress{Kind: ProgressRunCompleted, Total: len(p.tracks), Captured: captured, Failed: failed})
	slog.Info("Capture run completed", "captured", captured, "failed", failed)
	return nil
}

// runPass records one track's stem. A nil Diagnostic means the stem
// was finalized and persisted.
func (p *Player) runPass(ctx context.Context, index, track int) (*session.Stem, *Diagnostic) {
	p.setCurrent(track, index)
	p.emit(Progress{Kind: ProgressPassStarted, Track: track, Index: index, Total: len(p.tracks), State: StateIdle})

	devDiag := func(err error) *Diagnostic {
		return &Diagnostic{Kind: DiagDeviceUnavailable, Track: track, Err: err}
	}

	p.setState(track, index, StateArmingMute)
	if err := p.ctrl.TripleStop(); err != nil {
		return nil, devDiag(err)
	}
	if err := p.ctrl.MuteAll(); err != nil {
		return nil, devDiag(err)
	}
	if err := p.ctrl.Isolate(track); err != nil {
		return nil, devDiag(err)
	}
	if p.cfg.StartPattern > 0 {
		if err := p.ctrl.SelectPattern(p.cfg.StartPattern); err != nil {
			return nil, devDiag(err)
		}
	}

	stream, err := p.cfg.Backend.Open(audio.StreamConfig{
		Source:     p.cfg.Source,
		SampleRate: p.cfg.Session.SampleRate,
		Channels:   p.cfg.StreamChannels,
	})
	if err != nil {
		return nil, devDiag(fmt.Errorf("failed to start audio capture: %w", err))
	}
	audioStart := time.Now()

	sink, err := audio.NewSink(audio.SinkConfig{
		Path:           filepath.Join(p.cfg.Dir, session.StemFile(track)),
		SampleRate:     p.cfg.Session.SampleRate,
		StreamChannels: p.cfg.StreamChannels,
		Map:            p.cfg.Map,
		MaxFrames:      p.stemFrames(),
	})
	if err != nil {
		stream.Stop()
		return nil, &Diagnostic{Kind: DiagWriteFailure, Track: track, Err: err}
	}
	ac := p.startCapture(stream, sink)

	// The transport trigger goes out early by the device's response
	// lag so its audio lands where the jam's content anchor sits in
	// the stereo mix.
	if wait := p.preroll() - p.opts.LatencyLead; wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			p.abortPass(ac)
			return nil, &Diagnostic{Kind: DiagReplayInterrupted, Track: track, Err: err}
		}
	}

	p.setState(track, index, StateAwaitingTransportStart)
	p.cfg.Watcher.Drain()
	if err := p.ctrl.SendStart(); err != nil {
		p.abortPass(ac)
		return nil, devDiag(err)
	}
	sendTime := time.Now()

	// Replay starts immediately; the echo wait runs concurrently so
	// early events keep their timing even when the echo is slow.
	var replayDone chan error
	if p.replayLog.Len() > 0 {
		replayDone = make(chan error, 1)
		go func() {
			replayDone <- midilog.Replay(ctx, p.replayLog, p.cfg.Send, midilog.Options{
				Transform: octatrack.IsolationTransform(track),
				Origin:    timeline.FromSeconds(p.cfg.Session.ContentStart),
				Tick:      p.opts.ReplayTick,
				Safety:    octatrack.SafetyMessages(),
			})
		}()
	}

	anchor := sendTime
	confidence := session.ConfidenceExact
	if echoTime, ok := p.cfg.Watcher.AwaitStart(ctx, p.opts.EchoTimeout); ok {
		anchor = echoTime
	} else {
		if ctx.Err() != nil {
			drainReplay(replayDone)
			p.abortPass(ac)
			return nil, &Diagnostic{Kind: DiagReplayInterrupted, Track: track, Err: ctx.Err()}
		}
		confidence = session.ConfidenceDegraded
		diag := &Diagnostic{
			Kind:  DiagTransportTimeout,
			Track: track,
			Err:   fmt.Errorf("no transport start echo within %s, aligning to send time", p.opts.EchoTimeout),
		}
		p.emit(Progress{Kind: ProgressDegraded, Track: track, Index: index, Total: len(p.tracks), Confidence: confidence, Diagnostic: diag})
		slog.Warn("Transport start echo missing", "track", track, "timeout", p.opts.EchoTimeout)
	}

	p.setState(track, index, StateRecording)
	contentEnd := sendTime.Add(secondsToDuration(p.cfg.Session.ContentDuration))
	if diag := p.awaitContentEnd(ctx, track, replayDone, contentEnd, ac); diag != nil {
		return nil, diag
	}

	if err := p.ctrl.SendStop(); err != nil {
		p.abortPass(ac)
		return nil, devDiag(err)
	}

	p.setState(track, index, StateTailDrain)
	if tail := secondsToDuration(p.cfg.TailTime); tail > 0 {
		if err := sleepCtx(ctx, tail); err != nil {
			p.abortPass(ac)
			return nil, &Diagnostic{Kind: DiagReplayInterrupted, Track: track, Err: err}
		}
	}

	// Keep recording until the stem reaches its planned length so it
	// stays sample-comparable with the stereo mix.
	deadline := audioStart.Add(framesToDuration(p.stemFrames(), p.cfg.Session.SampleRate) + p.opts.WatchdogSlack)
	if diag := p.awaitFull(ctx, track, ac, deadline); diag != nil {
		return nil, diag
	}

	ac.stop()

	p.setState(track, index, StateFinalizing)
	result, err := sink.Finalize()
	if err != nil {
		return nil, &Diagnostic{Kind: DiagWriteFailure, Track: track, Err: err}
	}

	stem := session.Stem{
		TrackID:             track,
		File:                session.StemFile(track),
		Offset:              anchor.Sub(audioStart).Seconds(),
		AlignmentConfidence: confidence,
		Frames:              result.Frames,
		Duration:            result.Duration.Seconds(),
	}

	// Stop once more to kill delay tails the content stop could not
	// reach. The sequencer is already stopped, so the extra presses
	// only double-tap.
	if err := p.ctrl.TripleStop(); err != nil {
		slog.Warn("Post-pass triple-stop failed", "track", track, "error", err)
	}

	if err := p.saveStem(stem); err != nil {
		return nil, &Diagnostic{Kind: DiagWriteFailure, Track: track, Err: err}
	}

	p.setState(track, index, StateComplete)
	slog.Info("Stem captured",
		"track", track,
		"file", stem.File,
		"offset", stem.Offset,
		"confidence", stem.AlignmentConfidence,
		"frames", stem.Frames)
	return &stem, nil
}

// awaitContentEnd holds the Recording state until the content window
// closes, watching the replay for failures. The replay goroutine is
// always joined before this returns so its sends can never interleave
// with the stop sequence or a later pass.
func (p *Player) awaitContentEnd(ctx context.Context, track int, replayDone chan error, contentEnd time.Time, ac *passCapture) *Diagnostic {
	timer := time.NewTimer(time.Until(contentEnd))
	defer timer.Stop()

	classify := func(err error) *Diagnostic {
		if errors.Is(err, midilog.ErrInterrupted) {
			return &Diagnostic{Kind: DiagReplayInterrupted, Track: track, Err: err}
		}
		return &Diagnostic{Kind: DiagDeviceUnavailable, Track: track, Err: err}
	}

	for {
		select {
		case err := <-replayDone:
			replayDone = nil
			if err == nil {
				continue
			}
			p.abortPass(ac)
			return classify(err)
		case <-timer.C:
			// Trimmed events all target times inside the window, so
			// the replay finishes at most one send after it.
			if replayDone != nil {
				if err := <-replayDone; err != nil {
					p.abortPass(ac)
					return classify(err)
				}
			}
			return nil
		case <-ctx.Done():
			drainReplay(replayDone)
			p.abortPass(ac)
			return &Diagnostic{Kind: DiagReplayInterrupted, Track: track, Err: ctx.Err()}
		}
	}
}

// awaitFull waits for the sink to reach its planned length. A worker
// that dies or stalls fails the pass.
func (p *Player) awaitFull(ctx context.Context, track int, ac *passCapture, deadline time.Time) *Diagnostic {
	// The stem usually filled during the tail drain; take the fast
	// path before racing the watchdog timer.
	select {
	case <-ac.full:
		return nil
	default:
	}

	select {
	case <-ac.full:
		return nil
	case <-ac.done:
		diag := p.captureFailure(track, ac)
		p.safetyStop()
		ac.sink.Discard()
		return diag
	case <-time.After(time.Until(deadline)):
		p.abortPass(ac)
		return &Diagnostic{
			Kind:  DiagDeviceUnavailable,
			Track: track,
			Err:   fmt.Errorf("audio capture stalled before the stem reached %d frames", p.stemFrames()),
		}
	case <-ctx.Done():
		p.abortPass(ac)
		return &Diagnostic{Kind: DiagReplayInterrupted, Track: track, Err: ctx.Err()}
	}
}

// captureFailure classifies an audio worker that died mid-pass.
func (p *Player) captureFailure(track int, ac *passCapture) *Diagnostic {
	if ac.writeErr != nil {
		return &Diagnostic{Kind: DiagWriteFailure, Track: track, Err: ac.writeErr}
	}
	err := ac.streamErr
	if err == nil {
		err = fmt.Errorf("audio stream ended before the stem was complete")
	}
	return &Diagnostic{Kind: DiagDeviceUnavailable, Track: track, Err: err}
}

// abortPass tears a failed pass down: safety MIDI out, stream
// stopped, temp files removed.
func (p *Player) abortPass(ac *passCapture) {
	p.safetyStop()
	ac.stop()
	ac.sink.Discard()
}

// safetyStop silences the device without failing: transport stop plus
// mute-all, logged when they cannot be delivered.
func (p *Player) safetyStop() {
	if err := p.ctrl.SendStop(); err != nil {
		slog.Warn("Safety transport stop failed", "error", err)
	}
	if err := p.ctrl.MuteAll(); err != nil {
		slog.Warn("Safety mute-all failed", "error", err)
	}
}

// saveStem merges the stem into the session and persists it, so an
// interrupted run keeps every finished pass.
func (p *Player) saveStem(stem session.Stem) error {
	sess := p.cfg.Session
	replaced := false
	for i := range sess.Stems {
		if sess.Stems[i].TrackID == stem.TrackID {
			sess.Stems[i] = stem
			replaced = true
			break
		}
	}
	if !replaced {
		sess.Stems = append(sess.Stems, stem)
	}
	sort.Slice(sess.Stems, func(i, j int) bool { return sess.Stems[i].TrackID < sess.Stems[j].TrackID })
	sess.TailTime = p.cfg.TailTime
	return session.Save(p.cfg.Dir, sess)
}

// saveRunState records which active tracks the operator left out.
func (p *Player) saveRunState(captured []int) error {
	sess := p.cfg.Session
	requested := make(map[int]bool, len(p.tracks))
	for _, t := range p.tracks {
		requested[t] = true
	}
	var skipped []int
	for _, a := range sess.TrackActivities {
		if a.IsActive && !requested[a.TrackID] {
			skipped = append(skipped, a.TrackID)
		}
	}
	sess.SkippedTracks = skipped
	return session.Save(p.cfg.Dir, sess)
}

// passCapture owns the audio goroutine for one pass.
type passCapture struct {
	stream audio.Stream
	sink   *audio.Sink

	full chan struct{}
	done chan struct{}

	writeErr  error
	streamErr error
}

// startCapture spawns the worker that drains stream blocks into the
// sink. The worker is the sink's only writer; callers touch the sink
// again only after done is closed.
func (p *Player) startCapture(stream audio.Stream, sink *audio.Sink) *passCapture {
	c := &passCapture{
		stream: stream,
		sink:   sink,
		full:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		fullSignalled := false
		for block := range stream.Blocks() {
			levels, err := sink.WriteBlock(block)
			if err != nil {
				c.writeErr = err
				stream.Stop()
				break
			}
			p.meter(levels)
			if !fullSignalled && sink.Full() {
				fullSignalled = true
				close(c.full)
			}
		}
		if err := stream.Err(); err != nil {
			c.streamErr = err
		}
	}()
	return c
}

// stop halts the stream and waits for the worker to finish.
func (c *passCapture) stop() {
	c.stream.Stop()
	<-c.done
}

// stemFrames is the planned stem length: the stereo mix length, or
// longer when pre-roll plus content plus tail does not fit in it.
func (p *Player) stemFrames() int64 {
	sess := p.cfg.Session
	need := durationToFrames(
		p.preroll()+secondsToDuration(sess.ContentDuration)+secondsToDuration(p.cfg.TailTime),
		sess.SampleRate,
	)
	if need > sess.StereoMix.Frames {
		return need
	}
	return sess.StereoMix.Frames
}

// preroll is the silence between audio start and the content anchor
// in the jam, reproduced in every stem.
func (p *Player) preroll() time.Duration {
	d := p.cfg.Session.ContentStart - p.cfg.Session.StereoMix.Offset
	if d <= 0 {
		return 0
	}
	return secondsToDuration(d)
}

// trimLog drops events after the content window so replay never
// spills post-jam noodling into the tail drain.
func (p *Player) trimLog(log *midilog.Log) *midilog.Log {
	end := timeline.FromSeconds(p.cfg.Session.ContentStart + p.cfg.Session.ContentDuration)
	events := log.Events()
	kept := make([]midilog.Event, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.Sub(end) > 0 {
			break
		}
		kept = append(kept, ev)
	}
	return midilog.NewLog(kept, log.Anchors())
}

func (p *Player) setCurrent(track, index int) {
	p.meterMu.Lock()
	p.currentTrack = track
	p.currentIndex = index
	p.meterMu.Unlock()
}

func (p *Player) setState(track, index int, s State) {
	p.emit(Progress{Kind: ProgressStateChanged, Track: track, Index: index, Total: len(p.tracks), State: s})
}

// emit delivers a lifecycle event. The channel is buffered; callers
// of Run are required to drain Progress, so this only blocks when a
// consumer has fallen far behind.
func (p *Player) emit(ev Progress) {
	p.progress <- ev
}

// meter forwards level readings, rate-limited and droppable.
func (p *Player) meter(levels audio.Levels) {
	p.meterMu.Lock()
	now := time.Now()
	if now.Sub(p.meterLast) < p.opts.MeterInterval {
		p.meterMu.Unlock()
		return
	}
	p.meterLast = now
	track, index := p.currentTrack, p.currentIndex
	p.meterMu.Unlock()

	select {
	case p.progress <- Progress{Kind: ProgressLevels, Track: track, Index: index, Total: len(p.tracks), Levels: levels}:
	default:
	}
}

func drainReplay(replayDone chan error) {
	if replayDone != nil {
		<-replayDone
	}
}

func dedupeTracks(tracks []int) []int {
	seen := make(map[int]bool, len(tracks))
	out := make([]int, 0, len(tracks))
	for _, t := range tracks {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Ints(out)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func durationToFrames(d time.Duration, sampleRate int) int64 {
	return int64(d) * int64(sampleRate) / int64(time.Second)
}

func framesToDuration(frames int64, sampleRate int) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(sampleRate))
}
