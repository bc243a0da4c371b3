package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/stemcapture/internal/capture"
	"github.com/audiolibrelab/stemcapture/internal/service"
	"github.com/audiolibrelab/stemcapture/internal/tui"
)

var (
	captureTracks []int
	capturePlain  bool
)

var captureCmd = &cobra.Command{
	Use:   "capture [session-dir]",
	Short: "Capture isolated stems from a recorded jam",
	Long: `Replay a recorded jam once per track with all other tracks muted,
recording each pass as an aligned stem WAV next to the stereo mix.

With no argument the most recent session is used; with no --tracks
every active track is captured. Reload the part on the Octatrack
before starting so all mutes begin from the saved state.

Each finished stem is persisted immediately, so an interrupted run
keeps everything captured so far. Ctrl+C (or q in the TUI) cancels;
the device is left stopped and muted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile)
		defer svc.Cleanup()

		var arg string
		if len(args) == 1 {
			arg = args[0]
		}
		dir, err := svc.ResolveSessionDir(arg)
		if err != nil {
			return err
		}

		return runCapture(svc, dir, captureTracks, capturePlain)
	},
}

func init() {
	captureCmd.Flags().IntSliceVar(&captureTracks, "tracks", nil, "tracks to capture, e.g. --tracks 1,3,4 (default: all active)")
	captureCmd.Flags().BoolVar(&capturePlain, "plain", false, "line-based progress output instead of the TUI")
}

// runCapture drives one capture run to completion. Shared with the
// run command.
func runCapture(svc service.Service, dir string, tracks []int, plain bool) error {
	run, err := svc.PrepareCapture(dir, tracks)
	if err != nil {
		return fmt.Errorf("failed to prepare capture: %w", err)
	}
	defer run.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- run.Run(ctx) }()

	if plain {
		printProgress(run.Progress())
	} else {
		model := tui.New(run.Progress(), cancel, len(run.Tracks()))
		if _, err := tea.NewProgram(model).Run(); err != nil {
			// No usable terminal; cancel and let the player wind down.
			slog.Warn("TUI unavailable, cancelling capture (use --plain)", "error", err)
			cancel()
		}
		for range run.Progress() {
		}
	}

	if err := <-errCh; err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	return nil
}

// printProgress renders the progress stream as plain lines. Level
// events are dropped.
func printProgress(events <-chan capture.Progress) {
	for ev := range events {
		switch ev.Kind {
		case capture.ProgressPartReload:
			fmt.Printf("! %s\n", ev.Message)
		case capture.ProgressPassStarted:
			fmt.Printf("[%d/%d] track %d\n", ev.Index, ev.Total, ev.Track)
		case capture.ProgressStateChanged:
			fmt.Printf("[%d/%d]   %s\n", ev.Index, ev.Total, ev.State)
		case capture.ProgressDegraded:
			fmt.Printf("[%d/%d]   degraded alignment: %v\n", ev.Index, ev.Total, ev.Diagnostic.Err)
		case capture.ProgressPassCompleted:
			fmt.Printf("[%d/%d] track %d captured: %s (offset %.3fs, %s)\n",
				ev.Index, ev.Total, ev.Track, ev.Stem.File, ev.Stem.Offset, ev.Stem.AlignmentConfidence)
		case capture.ProgressPassFailed:
			if ev.Track > 0 {
				fmt.Printf("[%d/%d] track %d failed: %v\n", ev.Index, ev.Total, ev.Track, ev.Diagnostic)
			} else {
				fmt.Printf("capture failed: %v\n", ev.Diagnostic)
			}
		case capture.ProgressRunCompleted:
			fmt.Printf("Done: %d captured, %d failed\n", len(ev.Captured), len(ev.Failed))
		}
	}
}
