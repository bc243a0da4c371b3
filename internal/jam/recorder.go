// Package jam records a full improvisation: every MIDI event the
// Octatrack emits plus the stereo mix (and optionally the cue mix) as
// audio. Stopping a recording finalizes a session directory that the
// analyzer and the capture engine work from.
package jam

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/stemcapture/internal/activity"
	"github.com/audiolibrelab/stemcapture/internal/audio"
	"github.com/audiolibrelab/stemcapture/internal/config"
	"github.com/audiolibrelab/stemcapture/internal/midiio"
	"github.com/audiolibrelab/stemcapture/internal/midilog"
	"github.com/audiolibrelab/stemcapture/internal/session"
	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

// Status represents the current state of the jam recorder
type Status string

const (
	StatusStandby   Status = "STANDBY"
	StatusRecording Status = "RECORDING"
	StatusError     Status = "ERROR"
)

// SessionInfo describes the recording in progress.
type SessionInfo struct {
	Dir       string
	StartTime time.Time
}

// Recorder captures a jam into a session directory. MIDI events and
// audio blocks share one session clock so the log and the mix can be
// aligned afterwards.
type Recorder struct {
	cfg *config.Config

	mutex    sync.RWMutex
	status   Status
	stopping bool
	info     *SessionInfo
	lastErr  error

	clock      *timeline.Clock
	midiIn     *midiio.Input
	rec        *midilog.Recorder
	stream     audio.Stream
	sink       *audio.Sink
	audioStart timeline.Point

	captureDone chan struct{}

	levelsMu sync.Mutex
	levels   audio.Levels
}

// NewRecorder creates a recorder in standby.
func NewRecorder(cfg *config.Config) *Recorder {
	return &Recorder{
		cfg:    cfg,
		status: StatusStandby,
	}
}

// Start opens the MIDI input and the audio stream and begins logging.
// The session directory is created up front; its files stay temporary
// until Stop finalizes them.
func (r *Recorder) Start() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.status != StatusStandby && r.status != StatusError {
		return fmt.Errorf("can only start recording from standby or error state, current: %s", r.status)
	}
	if r.stopping {
		return fmt.Errorf("previous recording still shutting down")
	}

	if err := os.MkdirAll(r.cfg.Output.Directory, 0755); err != nil {
		r.status = StatusError
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	dir, err := session.NewSessionDir(r.cfg.Output.Directory, time.Now())
	if err != nil {
		r.status = StatusError
		return err
	}

	clock := timeline.NewClock()
	rec := midilog.NewRecorder(clock)

	midiIn, err := midiio.OpenInput(r.cfg.MIDI.InputDevice, rec.Handle, func(err error) {
		r.setError(fmt.Errorf("MIDI input failed: %w", err))
	})
	if err != nil {
		os.Remove(dir)
		r.status = StatusError
		return fmt.Errorf("failed to open MIDI input: %w", err)
	}

	mapping := r.cfg.Audio.ChannelMapping
	channels := mapping.MinInputChannels()
	backend := audio.NewBackend(r.cfg.Audio.Backend)
	stream, err := backend.Open(audio.StreamConfig{
		Source:     r.cfg.Audio.InputDevice,
		SampleRate: r.cfg.Audio.SampleRate,
		Channels:   channels,
	})
	if err != nil {
		midiIn.Close()
		os.Remove(dir)
		r.status = StatusError
		return fmt.Errorf("failed to start audio capture: %w", err)
	}
	audioStart := clock.Now()

	sinkCfg := audio.SinkConfig{
		Path:           filepath.Join(dir, session.StereoMixFile),
		SampleRate:     r.cfg.Audio.SampleRate,
		StreamChannels: channels,
		Map: audio.ChannelMap{
			MainL: mapping.MainL,
			MainR: mapping.MainR,
			CueL:  mapping.CueL,
			CueR:  mapping.CueR,
		},
	}
	if mapping.HasCue() {
		sinkCfg.CuePath = filepath.Join(dir, session.CueMixFile)
	}
	sink, err := audio.NewSink(sinkCfg)
	if err != nil {
		stream.Stop()
		midiIn.Close()
		os.Remove(dir)
		r.status = StatusError
		return fmt.Errorf("failed to create recording files: %w", err)
	}

	r.clock = clock
	r.rec = rec
	r.midiIn = midiIn
	r.stream = stream
	r.sink = sink
	r.audioStart = audioStart
	r.info = &SessionInfo{Dir: dir, StartTime: clock.Origin()}
	r.lastErr = nil
	r.captureDone = make(chan struct{})
	r.status = StatusRecording

	go r.captureWorker(stream, sink)

	slog.Info("Jam recording started",
		"dir", dir,
		"midi_in", midiIn.Name(),
		"channels", channels,
		"cue", mapping.HasCue())
	return nil
}

// captureWorker drains the audio stream into the sink. It owns the
// sink until captureDone closes; Stop finalizes only after that.
func (r *Recorder) captureWorker(stream audio.Stream, sink *audio.Sink) {
	defer close(r.captureDone)

	for block := range stream.Blocks() {
		levels, err := sink.WriteBlock(block)
		if err != nil {
			r.setError(fmt.Errorf("audio write failed: %w", err))
			stream.Stop()
			return
		}
		r.levelsMu.Lock()
		r.levels = levels
		r.levelsMu.Unlock()
	}
	if err := stream.Err(); err != nil {
		r.setError(err)
	}
}

func (r *Recorder) setError(err error) {
	r.mutex.Lock()
	if r.status == StatusRecording {
		r.status = StatusError
	}
	r.lastErr = err
	r.mutex.Unlock()
	slog.Error("Jam recording error", "error", err)
}

// Stop ends the recording and finalizes the session directory: the
// WAV files take their final names, the MIDI log is written, and
// session.json ties them together. Stopping from the error state
// salvages whatever was captured before the failure.
func (r *Recorder) Stop() (string, *session.Session, error) {
	r.mutex.Lock()
	if r.status != StatusRecording && r.status != StatusError {
		r.mutex.Unlock()
		return "", nil, fmt.Errorf("no recording in progress")
	}
	if r.stopping {
		r.mutex.Unlock()
		return "", nil, fmt.Errorf("stop already in progress")
	}
	r.stopping = true
	midiIn, stream, sink := r.midiIn, r.stream, r.sink
	rec, info, audioStart := r.rec, r.info, r.audioStart
	done := r.captureDone
	r.mutex.Unlock()

	slog.Debug("Stopping jam recording...")

	midiIn.Close()
	if err := stream.Stop(); err != nil {
		slog.Warn("Audio stream stop reported error", "error", err)
	}
	<-done

	log := rec.Seal()
	result, err := sink.Finalize()
	if err != nil {
		r.finishStop(StatusError, err)
		return info.Dir, nil, fmt.Errorf("failed to finalize audio files: %w", err)
	}

	if err := midilog.WriteSMF(filepath.Join(info.Dir, session.MidiLogFile), log); err != nil {
		r.finishStop(StatusError, err)
		return info.Dir, nil, err
	}

	s := r.buildSession(log, result, info, audioStart)
	if err := session.Save(info.Dir, s); err != nil {
		r.finishStop(StatusError, err)
		return info.Dir, nil, err
	}
	if err := session.RememberLastSession(r.cfg.Output.Directory, info.Dir); err != nil {
		slog.Warn("Failed to update last session pointer", "error", err)
	}

	r.finishStop(StatusStandby, nil)
	slog.Info("Jam recording completed",
		"dir", info.Dir,
		"events", log.Len(),
		"frames", result.Frames,
		"anchor", s.AnchorSource)
	return info.Dir, s, nil
}

// Cancel discards the recording in progress. Temporary files are
// removed and the session directory deleted.
func (r *Recorder) Cancel() error {
	r.mutex.Lock()
	if r.status != StatusRecording && r.status != StatusError {
		r.mutex.Unlock()
		return fmt.Errorf("no recording in progress")
	}
	if r.stopping {
		r.mutex.Unlock()
		return fmt.Errorf("stop already in progress")
	}
	r.stopping = true
	midiIn, stream, sink, rec, info := r.midiIn, r.stream, r.sink, r.rec, r.info
	done := r.captureDone
	r.mutex.Unlock()

	midiIn.Close()
	stream.Stop()
	<-done
	rec.Seal()
	sink.Discard()
	if err := os.Remove(info.Dir); err != nil {
		slog.Debug("Could not remove cancelled session directory", "dir", info.Dir, "error", err)
	}

	r.mutex.Lock()
	r.status = StatusStandby
	r.stopping = false
	r.info = nil
	r.clearRefs()
	r.mutex.Unlock()

	slog.Info("Jam recording cancelled", "dir", info.Dir)
	return nil
}

func (r *Recorder) finishStop(status Status, err error) {
	r.mutex.Lock()
	r.status = status
	r.stopping = false
	if err != nil {
		r.lastErr = err
	}
	r.clearRefs()
	r.mutex.Unlock()
}

// clearRefs must be called with the mutex held.
func (r *Recorder) clearRefs() {
	r.midiIn = nil
	r.stream = nil
	r.sink = nil
	r.rec = nil
	r.clock = nil
	r.captureDone = nil
}

// buildSession assembles the metadata for a finished jam. The content
// anchor prefers the transport start echo, falls back to the first
// audible audio frame, then to the first logged event.
func (r *Recorder) buildSession(log *midilog.Log, result audio.Result, info *SessionInfo, audioStart timeline.Point) *session.Session {
	anchors := log.Anchors()
	first, hasEvents := log.First()

	var anchorSource string
	var contentStart timeline.Point
	switch {
	case anchors.HasStart:
		anchorSource = session.AnchorTransportEcho
		contentStart = anchors.Start
	case result.HasOnset:
		anchorSource = session.AnchorAudioOnset
		contentStart = audioStart.Add(framesToDuration(result.OnsetFrame, r.cfg.Audio.SampleRate))
	case hasEvents:
		anchorSource = session.AnchorFirstEvent
		contentStart = first.Timestamp
	default:
		anchorSource = session.AnchorFirstEvent
		contentStart = audioStart
	}

	contentEnd := audioStart.Add(result.Duration)
	if anchors.HasStop {
		contentEnd = anchors.Stop
	} else if last, ok := log.Last(); ok && last.Timestamp.Sub(contentStart) > 0 {
		contentEnd = last.Timestamp
	}
	contentDuration := contentEnd.Sub(contentStart)
	if contentDuration < 0 {
		contentDuration = 0
	}

	activities := activity.Analyze(log)
	persisted := make([]session.TrackActivity, len(activities))
	for i, a := range activities {
		persisted[i] = session.TrackActivity{
			TrackID:   a.TrackID,
			IsActive:  a.IsActive,
			NoteCount: a.NoteCount,
		}
		if a.IsActive {
			persisted[i].FirstEvent = a.FirstEvent.Seconds()
			persisted[i].LastEvent = a.LastEvent.Seconds()
		}
	}

	mix := session.StereoMix{
		File:          session.StereoMixFile,
		Offset:        audioStart.Seconds(),
		Frames:        result.Frames,
		ChannelLayout: session.LayoutStereo,
	}
	if r.cfg.Audio.ChannelMapping.HasCue() {
		mix.CueFile = session.CueMixFile
		mix.ChannelLayout = session.LayoutDualStereo
	}

	return &session.Session{
		ID:              uuid.New().String(),
		Created:         info.StartTime.UTC(),
		SampleRate:      r.cfg.Audio.SampleRate,
		StartPattern:    r.cfg.Octatrack.StartPattern,
		PCChannel:       r.cfg.Octatrack.PCChannel,
		TailTime:        r.cfg.Octatrack.TailTime,
		AnchorSource:    anchorSource,
		ContentStart:    contentStart.Seconds(),
		ContentDuration: contentDuration.Seconds(),
		StereoMix:       mix,
		MidiLog:         session.MidiLogFile,
		TrackActivities: persisted,
		Stems:           []session.Stem{},
	}
}

// GetStatus returns the recorder state and, when a recording is or
// was active, its session info.
func (r *Recorder) GetStatus() (Status, *SessionInfo) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.info == nil {
		return r.status, nil
	}
	info := *r.info
	return r.status, &info
}

// EventCount reports how many events the log holds so far.
func (r *Recorder) EventCount() int {
	r.mutex.RLock()
	rec := r.rec
	r.mutex.RUnlock()
	if rec == nil {
		return 0
	}
	return rec.Count()
}

// Levels returns the most recent main-pair meter reading.
func (r *Recorder) Levels() audio.Levels {
	r.levelsMu.Lock()
	defer r.levelsMu.Unlock()
	return r.levels
}

// LastError returns the most recent recording failure.
func (r *Recorder) LastError() error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.lastErr
}

// Cleanup aborts any recording still running.
func (r *Recorder) Cleanup() error {
	r.mutex.RLock()
	active := r.status == StatusRecording || r.status == StatusError
	stopping := r.stopping
	r.mutex.RUnlock()

	if active && !stopping {
		return r.Cancel()
	}
	return nil
}

func framesToDuration(frames int64, sampleRate int) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(sampleRate))
}
