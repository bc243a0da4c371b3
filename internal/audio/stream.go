// Package audio captures float32 sample blocks from the configured
// input device and writes 24-bit WAV files. Capture runs through an
// external ffmpeg process reading the PulseAudio source; samples flow
// through Go so the sinks can meter levels, detect onsets, and bound
// stem length to the reference mix.
package audio

import (
	"strings"
)

// DefaultSampleRate is the capture rate unless configured otherwise.
const DefaultSampleRate = 48000

// BlockFrames is the number of frames delivered per capture block.
const BlockFrames = 1024

// StreamConfig describes one capture stream.
type StreamConfig struct {
	// Source is the backend device name; empty selects the backend
	// default source.
	Source string

	SampleRate int

	// Channels is the interleave width of delivered blocks. The
	// channel map picks the stereo pairs out of it.
	Channels int
}

// Stream delivers interleaved float32 blocks until stopped. Blocks
// is closed when the stream ends; Err reports why a stream ended
// early.
type Stream interface {
	Blocks() <-chan []float32
	Err() error
	Stop() error
}

// Backend opens capture streams and enumerates sources.
type Backend interface {
	Open(cfg StreamConfig) (Stream, error)
	ListSources() ([]string, error)
	ValidateSource(source string) error
	Type() BackendType
}

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeFFmpeg BackendType = "ffmpeg"
	BackendTypeAuto   BackendType = "auto"
)

// NewBackend creates the backend selected by name; "auto" and unknown
// names fall back to ffmpeg, the only backend currently built.
func NewBackend(name string) Backend {
	switch determineBackend(name) {
	case BackendTypeFFmpeg:
		return NewFFmpegBackend()
	default:
		return NewFFmpegBackend()
	}
}

// determineBackend resolves a configured backend name
func determineBackend(name string) BackendType {
	switch strings.ToLower(name) {
	case "ffmpeg":
		return BackendTypeFFmpeg
	case "auto", "":
		return BackendTypeFFmpeg
	}
	return BackendTypeFFmpeg
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeFFmpeg}
}
