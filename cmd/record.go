package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/stemcapture/internal/service"
	"github.com/audiolibrelab/stemcapture/internal/session"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a jam session",
	Long: `Record a jam session: the stereo mix (and cue mix when mapped) plus
every incoming MIDI message on one session clock. Press Enter to stop
and finalize, Ctrl+C to discard.

Play normally. The first transport start echoed by the Octatrack
becomes the alignment anchor for later stem capture.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile)
		defer svc.Cleanup()

		slog.Debug("Starting jam recording")
		if err := svc.StartJamRecording(); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}

		fmt.Println("Recording... press Enter to stop, Ctrl+C to discard.")

		enter := make(chan struct{})
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Scan()
			close(enter)
		}()

		statusDone := make(chan struct{})
		go pollRecordingStatus(svc, statusDone)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case <-enter:
			close(statusDone)
			fmt.Println()
		case <-sigChan:
			close(statusDone)
			fmt.Println("\nDiscarding recording...")
			if err := svc.CancelJamRecording(); err != nil {
				return fmt.Errorf("failed to discard recording: %w", err)
			}
			fmt.Println("Recording discarded")
			return nil
		}

		dir, sess, err := svc.StopJamRecording()
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}

		printSessionSummary(dir, sess)
		fmt.Printf("\nNext: stemcapture capture\n")
		return nil
	},
}

// pollRecordingStatus keeps one status line current while the jam
// runs: elapsed time, logged event count, main-pair peak levels. A
// mid-jam failure is reported once and polling stops; the operator
// can still press Enter to salvage or Ctrl+C to discard.
func pollRecordingStatus(svc service.Service, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			status, info := svc.GetRecordingStatus()
			if status == service.StatusError {
				fmt.Printf("\nRecording error: %s\n", svc.GetLastError())
				return
			}
			if status != service.StatusRecording || info == nil {
				continue
			}
			levels := svc.RecordingLevels()
			fmt.Printf("\r  %s  events: %d  L %6.1f dB  R %6.1f dB ",
				time.Since(info.StartTime).Truncate(time.Second),
				svc.RecordingEventCount(), levels.MainL, levels.MainR)
		}
	}
}

// printSessionSummary prints the one-screen result of a finished jam.
func printSessionSummary(dir string, sess *session.Session) {
	fmt.Printf("\nSession saved: %s\n", dir)
	fmt.Printf("  anchor:   %s at %.3fs\n", sess.AnchorSource, sess.ContentStart)
	fmt.Printf("  content:  %.1fs\n", sess.ContentDuration)
	fmt.Printf("  audio:    %s (%d frames", sess.StereoMix.File, sess.StereoMix.Frames)
	if sess.StereoMix.CueFile != "" {
		fmt.Printf(", cue %s", sess.StereoMix.CueFile)
	}
	fmt.Printf(")\n")

	active := 0
	for _, a := range sess.TrackActivities {
		if a.IsActive {
			active++
		}
	}
	fmt.Printf("  tracks:   %d active\n", active)
}
