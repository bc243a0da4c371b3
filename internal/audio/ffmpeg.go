package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// FFmpegBackend implements the Backend interface on top of an ffmpeg
// process reading a PulseAudio source and writing raw float32 PCM to
// stdout.
type FFmpegBackend struct {
	pulse *Pulse
}

// NewFFmpegBackend creates a new ffmpeg-based backend
func NewFFmpegBackend() *FFmpegBackend {
	return &FFmpegBackend{pulse: NewPulse()}
}

// ListSources returns available PulseAudio sources
func (b *FFmpegBackend) ListSources() ([]string, error) {
	return b.pulse.ListSources()
}

// ValidateSource validates a PulseAudio source
func (b *FFmpegBackend) ValidateSource(source string) error {
	return b.pulse.ValidateSource(source)
}

// Type returns the backend type
func (b *FFmpegBackend) Type() BackendType {
	return BackendTypeFFmpeg
}

// Open starts the capture process. Samples begin flowing immediately;
// the stream ends when Stop is called or the process dies.
func (b *FFmpegBackend) Open(cfg StreamConfig) (Stream, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if err := b.pulse.ValidateSource(cfg.Source); err != nil {
		return nil, err
	}

	source := cfg.Source
	if source == "" {
		source = "default"
	}

	args := []string{
		"-hide_banner", "-nostats", "-loglevel", "warning",
		"-f", "pulse",
		"-i", source,
		"-ar", fmt.Sprintf("%d", cfg.SampleRate),
		"-ac", fmt.Sprintf("%d", cfg.Channels),
		"-f", "f32le",
		"-",
	}
	slog.Info("Starting ffmpeg capture", "command", "ffmpeg "+strings.Join(args, " "))

	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &ffmpegStream{
		cmd:      cmd,
		stdout:   stdout,
		channels: cfg.Channels,
		blocks:   make(chan []float32, 4),
		stopped:  make(chan struct{}),
	}
	go s.readStderr(stderr)
	go s.readBlocks()
	return s, nil
}

type ffmpegStream struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	channels int

	blocks  chan []float32
	stopped chan struct{}

	stopOnce sync.Once
	waitOnce sync.Once
	waitErr  error

	mu        sync.Mutex
	err       error
	stderrBuf strings.Builder
}

// Blocks returns the channel of interleaved sample blocks. Closed when
// the stream ends.
func (s *ffmpegStream) Blocks() <-chan []float32 {
	return s.blocks
}

// Err reports why the stream ended early; nil after a clean Stop.
func (s *ffmpegStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ffmpegStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// readBlocks pumps fixed-size blocks from ffmpeg stdout until EOF.
func (s *ffmpegStream) readBlocks() {
	defer close(s.blocks)

	frameBytes := 4 * s.channels
	buf := make([]byte, BlockFrames*frameBytes)
	for {
		n, err := io.ReadFull(s.stdout, buf)
		frames := n / frameBytes
		if frames > 0 {
			samples := make([]float32, frames*s.channels)
			for i := range samples {
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
			select {
			case s.blocks <- samples:
			case <-s.stopped:
				return
			}
		}
		if err != nil {
			select {
			case <-s.stopped:
				// Clean shutdown, EOF is expected.
			default:
				s.setErr(s.exitError(err))
			}
			return
		}
	}
}

// exitError builds the error for an unexpected stream end, folding in
// the process exit state and any stderr output.
func (s *ffmpegStream) exitError(readErr error) error {
	waitErr := s.wait()

	s.mu.Lock()
	stderrOut := strings.TrimSpace(s.stderrBuf.String())
	s.mu.Unlock()

	if waitErr != nil {
		if stderrOut != "" {
			return fmt.Errorf("audio capture process failed: %w (%s)", waitErr, stderrOut)
		}
		return fmt.Errorf("audio capture process failed: %w", waitErr)
	}
	if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
		return fmt.Errorf("audio capture stream ended unexpectedly")
	}
	return fmt.Errorf("audio capture read failed: %w", readErr)
}

// readStderr buffers process diagnostics
func (s *ffmpegStream) readStderr(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		s.stderrBuf.WriteString(line + "\n")
		s.mu.Unlock()
		slog.Debug("ffmpeg output", "line", line)
	}
	pipe.Close()
}

func (s *ffmpegStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = normalizeExit(s.cmd.Wait())
	})
	return s.waitErr
}

// normalizeExit treats signal-driven exits as success, since stopping
// the capture is done by signaling the process.
func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				return nil
			}
		}
	}
	return err
}

// Stop signals the process to exit and reaps it, force killing after
// a timeout. Safe to call more than once.
func (s *ffmpegStream) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		close(s.stopped)

		if s.cmd.Process != nil {
			slog.Debug("Sending SIGINT to ffmpeg process")
			if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
				slog.Debug("Failed to send interrupt to ffmpeg", "error", err)
				s.cmd.Process.Kill()
			}
		}

		done := make(chan error, 1)
		go func() {
			done <- s.wait()
		}()

		select {
		case err := <-done:
			if err != nil {
				slog.Debug("ffmpeg stderr", "output", s.stderrTail())
				stopErr = fmt.Errorf("audio capture process failed: %w", err)
			}
		case <-time.After(5 * time.Second):
			slog.Warn("ffmpeg did not exit within timeout, force killing")
			if s.cmd.Process != nil {
				s.cmd.Process.Kill()
			}
			<-done
		}
	})
	return stopErr
}

func (s *ffmpegStream) stderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.stderrBuf.String())
}
