package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/stemcapture/internal/service"

	"github.com/spf13/cobra"
)

var runPlain bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Record a jam, then capture all active stems",
	Long: `Record a jam session and, once it is finalized, immediately run a
stem capture over every active track. Equivalent to record followed
by capture on the new session.

Remember to reload the part on the Octatrack between the jam and the
capture prompt so the replay starts from the saved mute state.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile)
		defer svc.Cleanup()

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

		select {
		case <-enter:
			close(statusDone)
			fmt.Println()
			signal.Stop(sigChan)
		case <-sigChan:
			close(statusDone)
			signal.Stop(sigChan)
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

		fmt.Println("\nReload the part, then press Enter to start the capture.")
		bufio.NewScanner(os.Stdin).Scan()

		return runCapture(svc, dir, nil, runPlain)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runPlain, "plain", false, "line-based progress output instead of the TUI")
}
