// Package play auditions session WAV files through whatever audio
// player is installed.
package play

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type Player struct{}

func New() *Player {
	return &Player{}
}

// PlayFile plays one WAV file and blocks until playback ends.
func (p *Player) PlayFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio file not found: %s", path)
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	fmt.Printf("Playing: %s\n", path)

	var cmd *exec.Cmd
	switch player {
	case "vlc":
		cmd = exec.Command("vlc", "--play-and-exit", path)
	case "mpv":
		cmd = exec.Command("mpv", "--no-video", path)
	case "ffplay":
		cmd = exec.Command("ffplay", "-nodisp", "-autoexit", path)
	case "aplay":
		cmd = exec.Command("aplay", path)
	default:
		return fmt.Errorf("unsupported player: %s", player)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	fmt.Println("Playback completed")
	return nil
}

func (p *Player) findAudioPlayer() (string, error) {
	// Preference order; every session file is WAV so aplay is a valid
	// last resort.
	players := []string{"vlc", "mpv", "ffplay", "aplay"}

	for _, player := range players {
		if _, err := exec.LookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}
