package cmd

import (
	"fmt"

	"github.com/audiolibrelab/stemcapture/internal/config"
	"github.com/audiolibrelab/stemcapture/internal/service"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List MIDI ports and audio sources",
	Long: `List the MIDI inputs, MIDI outputs, and audio capture sources visible
on this machine. Use the printed names verbatim in the config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Runs without a config file so first-time setup can discover names.
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
		svc := service.New(cfg, cfgFile)
		defer svc.Cleanup()

		inputs := svc.ListMIDIInputs()
		fmt.Printf("MIDI inputs (%d found):\n", len(inputs))
		for i, name := range inputs {
			fmt.Printf("  %d. %s\n", i+1, name)
		}

		outputs := svc.ListMIDIOutputs()
		fmt.Printf("\nMIDI outputs (%d found):\n", len(outputs))
		for i, name := range outputs {
			fmt.Printf("  %d. %s\n", i+1, name)
		}

		sources, err := svc.ListAudioSources()
		if err != nil {
			fmt.Printf("\nAudio sources (%s backend): %v\n", cfg.Audio.Backend, err)
			return nil
		}
		fmt.Printf("\nAudio sources (%s backend, %d found):\n", cfg.Audio.Backend, len(sources))
		for i, name := range sources {
			fmt.Printf("  %d. %s\n", i+1, name)
		}

		fmt.Printf("\nSet midi.input_device, midi.output_device, and audio.input_device\n")
		fmt.Printf("in %s to the names above.\n", config.DefaultConfigPath())
		return nil
	},
}
