package cmd

import (
	"fmt"

	"github.com/audiolibrelab/stemcapture/internal/service"

	"github.com/spf13/cobra"
)

var (
	playTrack int
	playCue   bool
)

var playCmd = &cobra.Command{
	Use:   "play [session-dir]",
	Short: "Play a session mix or stem",
	Long: `Play the stereo mix of a session with the system audio player. Use
--track to audition a captured stem instead, or --cue for the cue mix.
With no argument the most recent session is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile)

		var arg string
		if len(args) == 1 {
			arg = args[0]
		}
		dir, err := svc.ResolveSessionDir(arg)
		if err != nil {
			return err
		}

		switch {
		case playTrack > 0:
			fmt.Printf("Playing track %d stem\n", playTrack)
			err = svc.PlayStem(dir, playTrack)
		case playCue:
			fmt.Println("Playing cue mix")
			err = svc.PlayCue(dir)
		default:
			fmt.Println("Playing stereo mix")
			err = svc.PlayMix(dir)
		}
		if err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}

func init() {
	playCmd.Flags().IntVar(&playTrack, "track", 0, "play the stem captured for this track")
	playCmd.Flags().BoolVar(&playCue, "cue", false, "play the cue mix instead of the main mix")
}
