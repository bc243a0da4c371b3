// Package service is the facade the CLI and TUI talk to. It owns the
// jam recorder, wires capture runs to the configured devices, and
// tracks the last error for status surfaces.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiolibrelab/stemcapture/internal/audio"
	"github.com/audiolibrelab/stemcapture/internal/capture"
	"github.com/audiolibrelab/stemcapture/internal/config"
	"github.com/audiolibrelab/stemcapture/internal/jam"
	"github.com/audiolibrelab/stemcapture/internal/midiio"
	"github.com/audiolibrelab/stemcapture/internal/play"
	"github.com/audiolibrelab/stemcapture/internal/session"
)

// Service is the core stem capture service interface.
type Service interface {
	// Jam recording operations
	StartJamRecording() error
	StopJamRecording() (string, *session.Session, error)
	CancelJamRecording() error
	GetRecordingStatus() (RecordingStatus, *RecordingInfo)
	RecordingEventCount() int
	RecordingLevels() audio.Levels

	// Stem capture operations
	PrepareCapture(dir string, tracks []int) (*CaptureRun, error)

	// Session operations
	LoadSession(dir string) (*session.Session, error)
	ResolveSessionDir(arg string) (string, error)

	// Playback operations
	PlayMix(dir string) error
	PlayCue(dir string) error
	PlayStem(dir string, track int) error

	// Device operations
	ListMIDIInputs() []string
	ListMIDIOutputs() []string
	ListAudioSources() ([]string, error)

	// Information operations
	GetConfig() *config.Config
	GetLastError() string

	// Cleanup discards any active recording and closes the MIDI
	// driver. Call once on shutdown.
	Cleanup()
}

// RecordingStatus represents the current jam recording state.
type RecordingStatus string

const (
	StatusStandby   RecordingStatus = "STANDBY"
	StatusRecording RecordingStatus = "RECORDING"
	StatusError     RecordingStatus = "ERROR"
)

// RecordingInfo describes the recording in progress.
type RecordingInfo struct {
	Dir       string    `json:"dir"`
	StartTime time.Time `json:"start_time"`
}

// StemCaptureService is the main service implementation.
type StemCaptureService struct {
	cfg        *config.Config
	configFile string
	recorder   *jam.Recorder

	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new stem capture service instance.
func New(cfg *config.Config, configFile string) Service {
	return &StemCaptureService{
		cfg:        cfg,
		configFile: configFile,
		recorder:   jam.NewRecorder(cfg),
	}
}

// StartJamRecording begins a jam session (STANDBY -> RECORDING).
func (s *StemCaptureService) StartJamRecording() error {
	slog.Debug("Service.StartJamRecording called")
	s.clearLastError()
	if err := s.recorder.Start(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start jam recording: %v", err))
		return err
	}
	return nil
}

// StopJamRecording finalizes the jam and returns the session
// directory and metadata.
func (s *StemCaptureService) StopJamRecording() (string, *session.Session, error) {
	dir, sess, err := s.recorder.Stop()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop jam recording: %v", err))
		return "", nil, err
	}
	s.clearLastError()
	return dir, sess, nil
}

// CancelJamRecording discards the jam in progress.
func (s *StemCaptureService) CancelJamRecording() error {
	return s.recorder.Cancel()
}

// GetRecordingStatus returns the current recording status and session
// info.
func (s *StemCaptureService) GetRecordingStatus() (RecordingStatus, *RecordingInfo) {
	status, info := s.recorder.GetStatus()

	var svcStatus RecordingStatus
	switch status {
	case jam.StatusRecording:
		svcStatus = StatusRecording
	case jam.StatusError:
		svcStatus = StatusError
		if err := s.recorder.LastError(); err != nil {
			s.setLastError(fmt.Sprintf("Recording failed: %v", err))
		}
	default:
		svcStatus = StatusStandby
	}

	var svcInfo *RecordingInfo
	if info != nil {
		svcInfo = &RecordingInfo{Dir: info.Dir, StartTime: info.StartTime}
	}
	return svcStatus, svcInfo
}

// RecordingEventCount returns the number of MIDI events captured so
// far in the active jam.
func (s *StemCaptureService) RecordingEventCount() int {
	return s.recorder.EventCount()
}

// RecordingLevels returns the latest input level readings.
func (s *StemCaptureService) RecordingLevels() audio.Levels {
	return s.recorder.Levels()
}

// CaptureRun bundles a prepared capture player with the MIDI ports it
// borrowed. Close after Run returns.
type CaptureRun struct {
	player *capture.Player
	out    *midiio.Output
	in     *midiio.Input
	tracks []int
}

// Tracks returns the resolved capture queue in pass order.
func (r *CaptureRun) Tracks() []int {
	return r.tracks
}

// Progress returns the player's progress stream.
func (r *CaptureRun) Progress() <-chan capture.Progress {
	return r.player.Progress()
}

// Run executes the capture queue. Callers must drain Progress.
func (r *CaptureRun) Run(ctx context.Context) error {
	return r.player.Run(ctx)
}

// Close releases the MIDI ports.
func (r *CaptureRun) Close() {
	if r.in != nil {
		r.in.Close()
	}
	if r.out != nil {
		r.out.Close()
	}
}

// PrepareCapture loads a finalized session and wires a capture player
// to the configured devices. An empty tracks slice selects every
// active track.
func (s *StemCaptureService) PrepareCapture(dir string, tracks []int) (*CaptureRun, error) {
	slog.Debug("Service.PrepareCapture called", "dir", dir, "tracks", tracks)
	s.clearLastError()

	sess, err := session.Load(dir)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to load session: %v", err))
		return nil, err
	}
	log, err := session.LoadLog(dir, sess)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to load MIDI log: %v", err))
		return nil, err
	}

	if len(tracks) == 0 {
		tracks = activeTracks(sess)
		if len(tracks) == 0 {
			err := fmt.Errorf("session has no active tracks; pass --tracks to capture anyway")
			s.setLastError(err.Error())
			return nil, err
		}
	}

	out, err := midiio.OpenOutput(s.cfg.MIDI.OutputDevice)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to open MIDI output: %v", err))
		return nil, err
	}
	watcher := capture.NewTransportWatcher()
	in, err := midiio.OpenInput(s.cfg.MIDI.InputDevice, watcher.Handle, func(err error) {
		slog.Warn("MIDI input error during capture", "error", err)
	})
	if err != nil {
		out.Close()
		s.setLastError(fmt.Sprintf("Failed to open MIDI input: %v", err))
		return nil, err
	}

	// Older session files predate the persisted pc channel; fall back
	// to the active profile.
	pcChannel := sess.PCChannel
	if pcChannel == 0 {
		pcChannel = s.cfg.Octatrack.PCChannel
	}

	// Stems record the main pair only; the stream still opens at the
	// jam's full width so channel indices keep their meaning.
	mapping := s.cfg.Audio.ChannelMapping
	player, err := capture.NewPlayer(capture.PlayerConfig{
		Dir:            dir,
		Session:        sess,
		Log:            log,
		Tracks:         tracks,
		PCChannel:      pcChannel,
		StartPattern:   sess.StartPattern,
		TailTime:       s.cfg.Octatrack.TailTime,
		Send:           out.Send,
		Backend:        audio.NewBackend(s.cfg.Audio.Backend),
		Source:         s.cfg.Audio.InputDevice,
		StreamChannels: mapping.MinInputChannels(),
		Map:            audio.ChannelMap{MainL: mapping.MainL, MainR: mapping.MainR, CueL: -1, CueR: -1},
		Watcher:        watcher,
	})
	if err != nil {
		in.Close()
		out.Close()
		s.setLastError(fmt.Sprintf("Failed to prepare capture: %v", err))
		return nil, err
	}

	slog.Info("Capture prepared", "session", dir, "tracks", tracks)
	return &CaptureRun{player: player, out: out, in: in, tracks: tracks}, nil
}

// activeTracks returns the tracks the analyzer marked active.
func activeTracks(sess *session.Session) []int {
	var tracks []int
	for _, a := range sess.TrackActivities {
		if a.IsActive {
			tracks = append(tracks, a.TrackID)
		}
	}
	return tracks
}

// LoadSession reads a finalized session's metadata. No hardware is
// touched.
func (s *StemCaptureService) LoadSession(dir string) (*session.Session, error) {
	return session.Load(dir)
}

// ResolveSessionDir turns an optional CLI argument into a session
// directory, falling back to the most recent session.
func (s *StemCaptureService) ResolveSessionDir(arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	dir, err := session.LastSession(s.cfg.Output.Directory)
	if err != nil {
		return "", fmt.Errorf("no session directory given and no previous session found: %w", err)
	}
	return dir, nil
}

// PlayMix plays a session's stereo mix through an external player.
func (s *StemCaptureService) PlayMix(dir string) error {
	sess, err := session.Load(dir)
	if err != nil {
		return err
	}
	return play.New().PlayFile(filepath.Join(dir, sess.StereoMix.File))
}

// PlayCue plays a session's cue mix, if the jam recorded one.
func (s *StemCaptureService) PlayCue(dir string) error {
	sess, err := session.Load(dir)
	if err != nil {
		return err
	}
	if sess.StereoMix.CueFile == "" {
		return fmt.Errorf("session has no cue mix")
	}
	return play.New().PlayFile(filepath.Join(dir, sess.StereoMix.CueFile))
}

// PlayStem plays one captured stem.
func (s *StemCaptureService) PlayStem(dir string, track int) error {
	sess, err := session.Load(dir)
	if err != nil {
		return err
	}
	stem, ok := sess.StemFor(track)
	if !ok {
		return fmt.Errorf("no stem captured for track %d", track)
	}
	return play.New().PlayFile(filepath.Join(dir, stem.File))
}

// ListMIDIInputs returns the connected MIDI input port names.
func (s *StemCaptureService) ListMIDIInputs() []string {
	return midiio.Inputs()
}

// ListMIDIOutputs returns the connected MIDI output port names.
func (s *StemCaptureService) ListMIDIOutputs() []string {
	return midiio.Outputs()
}

// ListAudioSources returns the capture sources the configured audio
// backend can see.
func (s *StemCaptureService) ListAudioSources() ([]string, error) {
	return audio.NewBackend(s.cfg.Audio.Backend).ListSources()
}

// GetConfig returns the current configuration.
func (s *StemCaptureService) GetConfig() *config.Config {
	return s.cfg
}

// GetLastError returns the last error message (thread-safe).
func (s *StemCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe).
func (s *StemCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
}

// clearLastError clears the last error message (thread-safe).
func (s *StemCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// Cleanup discards any active recording and shuts the MIDI driver
// down.
func (s *StemCaptureService) Cleanup() {
	if err := s.recorder.Cleanup(); err != nil {
		slog.Warn("Recorder cleanup failed", "error", err)
	}
	midiio.Shutdown()
}
