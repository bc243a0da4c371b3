package cmd

import (
	"fmt"

	"github.com/audiolibrelab/stemcapture/internal/service"
	"github.com/audiolibrelab/stemcapture/internal/session"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [session-dir]",
	Short: "Show the full metadata of a session",
	Long: `Display everything recorded about a session: the alignment anchor,
the content window, the mix files, per-track activity, and any stems
captured so far. With no argument the most recent session is used.`,
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

		printSessionInfo(dir, sess)
		return nil
	},
}

func printSessionInfo(dir string, sess *session.Session) {
	fmt.Printf("=== SESSION ===\n")
	fmt.Printf("directory: %s\n", dir)
	fmt.Printf("id: %s\n", sess.ID)
	fmt.Printf("created: %s\n", sess.Created.Format("2006-01-02 15:04:05"))
	fmt.Printf("sample_rate: %d\n", sess.SampleRate)
	fmt.Printf("pc_channel: %d\n", sess.PCChannel)
	if sess.StartPattern > 0 {
		fmt.Printf("start_pattern: %d\n", sess.StartPattern)
	}
	fmt.Printf("tail_time: %.2fs\n", sess.TailTime)

	fmt.Printf("\n=== ALIGNMENT ===\n")
	fmt.Printf("anchor: %s\n", sess.AnchorSource)
	fmt.Printf("content_start: %.3fs\n", sess.ContentStart)
	fmt.Printf("content_duration: %.3fs\n", sess.ContentDuration)

	fmt.Printf("\n=== AUDIO ===\n")
	fmt.Printf("mix: %s (offset %.3fs, %d frames, %s)\n",
		sess.StereoMix.File, sess.StereoMix.Offset, sess.StereoMix.Frames, sess.StereoMix.ChannelLayout)
	if sess.StereoMix.CueFile != "" {
		fmt.Printf("cue: %s\n", sess.StereoMix.CueFile)
	}
	fmt.Printf("midi_log: %s\n", sess.MidiLog)

	fmt.Printf("\n=== TRACKS ===\n")
	for _, a := range sess.TrackActivities {
		if !a.IsActive {
			fmt.Printf("track %d: -\n", a.TrackID)
			continue
		}
		fmt.Printf("track %d: active, %d notes, %.1fs - %.1fs\n",
			a.TrackID, a.NoteCount, a.FirstEvent, a.LastEvent)
	}

	if len(sess.Stems) > 0 {
		fmt.Printf("\n=== STEMS ===\n")
		for _, stem := range sess.Stems {
			fmt.Printf("track %d: %s (offset %.3fs, %d frames, %s)\n",
				stem.TrackID, stem.File, stem.Offset, stem.Frames, stem.AlignmentConfidence)
		}
	}
	if len(sess.SkippedTracks) > 0 {
		fmt.Printf("\nskipped in last capture: %v\n", sess.SkippedTracks)
	}
}
