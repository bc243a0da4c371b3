package cmd

import (
	"fmt"

	"github.com/audiolibrelab/stemcapture/internal/service"

	"github.com/spf13/cobra"
)

var tracksCmd = &cobra.Command{
	Use:   "tracks [session-dir]",
	Short: "Show which tracks were active in a jam",
	Long: `Show the per-track activity summary of a finalized session. With no
argument the most recent session is used. No hardware is touched.`,
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

		sess, err := svc.LoadSession(dir)
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}

		fmt.Printf("Session: %s\n\n", dir)
		for _, a := range sess.TrackActivities {
			if !a.IsActive {
				fmt.Printf("  track %d: -\n", a.TrackID)
				continue
			}
			line := fmt.Sprintf("  track %d: active, %d notes", a.TrackID, a.NoteCount)
			if a.LastEvent > a.FirstEvent {
				line += fmt.Sprintf(", %.1fs - %.1fs", a.FirstEvent, a.LastEvent)
			}
			if _, ok := sess.StemFor(a.TrackID); ok {
				line += "  [captured]"
			}
			fmt.Println(line)
		}

		if len(sess.SkippedTracks) > 0 {
			fmt.Printf("\nSkipped in last capture: %v\n", sess.SkippedTracks)
		}
		return nil
	},
}
