package audio

import (
	"fmt"
	"os/exec"
	"strings"
)

// Pulse manages PulseAudio source operations
type Pulse struct{}

// NewPulse creates a new Pulse instance
func NewPulse() *Pulse {
	return &Pulse{}
}

// ListSources returns all available PulseAudio capture sources
func (p *Pulse) ListSources() ([]string, error) {
	cmd := exec.Command("pactl", "list", "short", "sources")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PulseAudio sources: %w", err)
	}
	return parseSourceList(string(output)), nil
}

// parseSourceList extracts source names from pactl short output. Each
// line is "index\tname\tmodule\tformat\tstate".
func parseSourceList(output string) []string {
	var sources []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		sources = append(sources, fields[1])
	}
	return sources
}

// ValidateSource checks if a specific source exists. Empty and
// "default" pass through: ffmpeg resolves the server default itself.
func (p *Pulse) ValidateSource(source string) error {
	if source == "" || source == "default" {
		return nil
	}

	sources, err := p.ListSources()
	if err != nil {
		return fmt.Errorf("failed to check source availability: %w", err)
	}
	for _, s := range sources {
		if s == source {
			return nil
		}
	}
	return fmt.Errorf("source not found: %s (available: %s)", source, strings.Join(sources, ", "))
}
