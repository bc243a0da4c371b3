package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/stemcapture/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "stemcapture",
	Short: "Octatrack jam recorder and stem capture engine",
	Long: `StemCapture records Octatrack jam sessions as a stereo mix plus a
time-stamped MIDI log, then replays the jam once per track with all
other tracks muted to capture aligned isolated stems.

A typical session:

  stemcapture record            record a jam, Enter to stop
  stemcapture tracks            see which tracks were active
  stemcapture capture           replay and capture stems
  stemcapture play --track 3    audition a captured stem`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		// Device listing and config bootstrap work without a loaded
		// profile; everything else needs one.
		switch cmd.Name() {
		case "devices":
			if cfgFile == "" {
				return nil
			}
		case "init", "use", "profiles", "edit":
			if cfgFile == "" {
				cfgFile = config.DefaultConfigPath()
			}
			return nil
		}

		if cfgFile == "" {
			cfgFile = config.DefaultConfigPath()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/stemcapture/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().CountVarP(&verboseLevel, "verbose", "v", "increase log verbosity (-v for debug)")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(tracksCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the counted -v level.
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	})
	slog.SetDefault(slog.New(handler))
}
