package audio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// BitDepth is the PCM bit depth of written WAV files.
const BitDepth = 24

// DefaultOnsetDB is the peak level, in dBFS, that counts as content
// start when no transport echo anchored the recording.
const DefaultOnsetDB = -40.0

// silenceDB is the floor reported for all-zero blocks.
const silenceDB = -120.0

const maxInt24 = 1<<23 - 1

// ChannelMap picks the stereo pairs out of the interleaved capture
// stream by input channel index. Cue indices are -1 when no cue pair
// is mapped.
type ChannelMap struct {
	MainL int
	MainR int
	CueL  int
	CueR  int
}

// DefaultChannelMap maps the first input pair to main and leaves cue
// unmapped.
func DefaultChannelMap() ChannelMap {
	return ChannelMap{MainL: 0, MainR: 1, CueL: -1, CueR: -1}
}

// HasCue reports whether a cue pair is mapped.
func (m ChannelMap) HasCue() bool {
	return m.CueL >= 0 && m.CueR >= 0
}

// MinChannels returns the narrowest stream that can satisfy the map.
func (m ChannelMap) MinChannels() int {
	max := m.MainL
	for _, idx := range []int{m.MainR, m.CueL, m.CueR} {
		if idx > max {
			max = idx
		}
	}
	return max + 1
}

// Validate checks the map against a stream's interleave width.
func (m ChannelMap) Validate(streamChannels int) error {
	if m.MainL < 0 || m.MainR < 0 {
		return fmt.Errorf("main channel pair must be mapped")
	}
	if m.MinChannels() > streamChannels {
		return fmt.Errorf("channel map needs %d input channels, stream has %d", m.MinChannels(), streamChannels)
	}
	if (m.CueL >= 0) != (m.CueR >= 0) {
		return fmt.Errorf("cue pair must map both channels or neither")
	}
	return nil
}

// Levels is the peak level of the main pair over one block, in dBFS.
type Levels struct {
	MainL float64
	MainR float64
}

// SinkConfig describes one capture sink.
type SinkConfig struct {
	// Path is the final main WAV path; CuePath, when set, writes the
	// cue pair to a second file.
	Path    string
	CuePath string

	SampleRate     int
	StreamChannels int
	Map            ChannelMap

	// MaxFrames bounds the recording; 0 means unbounded. Blocks past
	// the bound are dropped so stems never outrun the reference mix.
	MaxFrames int64

	// OnsetThresholdDB overrides DefaultOnsetDB when non-zero.
	OnsetThresholdDB float64
}

// Result summarizes a finalized recording.
type Result struct {
	Frames   int64
	Duration time.Duration

	// OnsetFrame is the first frame whose main-pair peak crossed the
	// onset threshold; HasOnset is false for all-silent recordings.
	OnsetFrame int64
	HasOnset   bool
}

// Sink routes capture blocks into 24-bit stereo WAV files. Files are
// written to temporaries and only take their final names on Finalize,
// so a crash never leaves a half-written file looking complete. Not
// safe for concurrent use; one capture goroutine owns the sink.
type Sink struct {
	cfg      SinkConfig
	onsetAmp float64

	main *wavFile
	cue  *wavFile

	frames     int64
	onsetFrame int64
	hasOnset   bool
	finalized  bool
}

// NewSink creates the temporary files and encoders.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.StreamChannels <= 0 {
		cfg.StreamChannels = cfg.Map.MinChannels()
	}
	if err := cfg.Map.Validate(cfg.StreamChannels); err != nil {
		return nil, err
	}

	threshold := cfg.OnsetThresholdDB
	if threshold == 0 {
		threshold = DefaultOnsetDB
	}

	s := &Sink{
		cfg:      cfg,
		onsetAmp: math.Pow(10, threshold/20),
	}

	var err error
	s.main, err = newWavFile(cfg.Path, cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	if cfg.CuePath != "" {
		if !cfg.Map.HasCue() {
			s.main.discard()
			return nil, fmt.Errorf("cue path set but no cue pair mapped")
		}
		s.cue, err = newWavFile(cfg.CuePath, cfg.SampleRate)
		if err != nil {
			s.main.discard()
			return nil, err
		}
	}
	return s, nil
}

// WriteBlock routes one interleaved block into the output files and
// returns the block's main-pair levels. Blocks past MaxFrames are
// dropped.
func (s *Sink) WriteBlock(samples []float32) (Levels, error) {
	if s.finalized {
		return Levels{}, fmt.Errorf("sink already finalized")
	}

	width := s.cfg.StreamChannels
	frames := int64(len(samples)) / int64(width)
	if s.cfg.MaxFrames > 0 {
		if remaining := s.cfg.MaxFrames - s.frames; frames > remaining {
			frames = remaining
		}
	}
	if frames <= 0 {
		return Levels{MainL: silenceDB, MainR: silenceDB}, nil
	}

	mainData := make([]int, frames*2)
	var cueData []int
	if s.cue != nil {
		cueData = make([]int, frames*2)
	}

	var peakL, peakR float64
	for f := int64(0); f < frames; f++ {
		base := int(f) * width
		l := samples[base+s.cfg.Map.MainL]
		r := samples[base+s.cfg.Map.MainR]

		if abs := math.Abs(float64(l)); abs > peakL {
			peakL = abs
		}
		if abs := math.Abs(float64(r)); abs > peakR {
			peakR = abs
		}
		if !s.hasOnset && (math.Abs(float64(l)) >= s.onsetAmp || math.Abs(float64(r)) >= s.onsetAmp) {
			s.onsetFrame = s.frames + f
			s.hasOnset = true
		}

		mainData[f*2] = clampInt24(l)
		mainData[f*2+1] = clampInt24(r)
		if cueData != nil {
			cueData[f*2] = clampInt24(samples[base+s.cfg.Map.CueL])
			cueData[f*2+1] = clampInt24(samples[base+s.cfg.Map.CueR])
		}
	}

	if err := s.main.write(mainData, s.cfg.SampleRate); err != nil {
		return Levels{}, err
	}
	if s.cue != nil {
		if err := s.cue.write(cueData, s.cfg.SampleRate); err != nil {
			return Levels{}, err
		}
	}

	s.frames += frames
	return Levels{MainL: dbfs(peakL), MainR: dbfs(peakR)}, nil
}

// Frames returns the number of frames written so far.
func (s *Sink) Frames() int64 {
	return s.frames
}

// Full reports whether the frame bound has been reached.
func (s *Sink) Full() bool {
	return s.cfg.MaxFrames > 0 && s.frames >= s.cfg.MaxFrames
}

// Onset returns the detected content onset frame, if any.
func (s *Sink) Onset() (int64, bool) {
	return s.onsetFrame, s.hasOnset
}

// Finalize closes the encoders and moves the files to their final
// names.
func (s *Sink) Finalize() (Result, error) {
	if s.finalized {
		return Result{}, fmt.Errorf("sink already finalized")
	}
	s.finalized = true

	if err := s.main.finish(); err != nil {
		if s.cue != nil {
			s.cue.discard()
		}
		return Result{}, err
	}
	if s.cue != nil {
		if err := s.cue.finish(); err != nil {
			return Result{}, err
		}
	}

	return Result{
		Frames:     s.frames,
		Duration:   framesDuration(s.frames, s.cfg.SampleRate),
		OnsetFrame: s.onsetFrame,
		HasOnset:   s.hasOnset,
	}, nil
}

// Discard drops the recording, removing the temporary files.
func (s *Sink) Discard() {
	if s.finalized {
		return
	}
	s.finalized = true
	s.main.discard()
	if s.cue != nil {
		s.cue.discard()
	}
}

func framesDuration(frames int64, sampleRate int) time.Duration {
	return time.Duration(float64(frames) / float64(sampleRate) * float64(time.Second))
}

func clampInt24(v float32) int {
	x := float64(v)
	if x > 1 {
		x = 1
	}
	if x < -1 {
		x = -1
	}
	return int(math.Round(x * maxInt24))
}

func dbfs(peak float64) float64 {
	if peak <= 0 {
		return silenceDB
	}
	db := 20 * math.Log10(peak)
	if db < silenceDB {
		return silenceDB
	}
	return db
}

// wavFile is one output file, written to a temporary and renamed into
// place on finish.
type wavFile struct {
	file  *os.File
	enc   *wav.Encoder
	final string
}

// newWavFile opens a temporary encoder next to path. The session
// directory must already exist; a missing directory is a write failure
// the caller has to surface, not something to paper over here.
func newWavFile(path string, sampleRate int) (*wavFile, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary recording file: %w", err)
	}
	return &wavFile{
		file:  f,
		enc:   wav.NewEncoder(f, sampleRate, BitDepth, 2, 1),
		final: path,
	}, nil
}

func (w *wavFile) write(data []int, sampleRate int) error {
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 2, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: BitDepth,
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write audio to %s: %w", filepath.Base(w.final), err)
	}
	return nil
}

func (w *wavFile) finish() error {
	if err := w.enc.Close(); err != nil {
		w.discard()
		return fmt.Errorf("failed to finalize %s: %w", filepath.Base(w.final), err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("failed to close %s: %w", filepath.Base(w.final), err)
	}
	if err := os.Rename(w.file.Name(), w.final); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("failed to move recording into place: %w", err)
	}
	return nil
}

func (w *wavFile) discard() {
	w.enc.Close()
	w.file.Close()
	os.Remove(w.file.Name())
}
