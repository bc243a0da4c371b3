package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/stemcapture/internal/midilog"
	"github.com/audiolibrelab/stemcapture/internal/timeline"
)

// ErrNoSession is returned by Load when a directory holds no session
// metadata.
var ErrNoSession = errors.New("no session found")

// ErrNoLastSession is returned when no session has been recorded yet.
var ErrNoLastSession = errors.New("no previous session recorded")

// NewSessionDir creates a collision-free session directory under
// root, named after the wall-clock second with a numeric suffix when
// two sessions land in the same second.
func NewSessionDir(root string, now time.Time) (string, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create sessions directory: %w", err)
	}

	base := "session_" + now.Format("20060102_150405")
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		path := filepath.Join(root, name)
		err := os.Mkdir(path, 0755)
		if err == nil {
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create session directory: %w", err)
		}
	}
}

// Save writes the session metadata atomically via a temp file +
// os.Rename, so a crash never leaves a truncated session.json.
func Save(dir string, s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	tmp, err := os.CreateTemp(dir, MetadataFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to persist session metadata: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist session metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist session metadata: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, MetadataFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist session metadata: %w", err)
	}
	return nil
}

// Load reads the session metadata from a session directory. Returns
// ErrNoSession if the directory has no metadata file.
func Load(dir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session metadata: %w", err)
	}
	return &s, nil
}

// LoadLog rebuilds the sealed MIDI log from a session directory,
// restoring the content anchors from the metadata.
func LoadLog(dir string, s *Session) (*midilog.Log, error) {
	name := s.MidiLog
	if name == "" {
		name = MidiLogFile
	}
	events, err := midilog.ReadSMF(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}

	anchors := midilog.Anchors{
		Start:    timeline.FromSeconds(s.ContentStart),
		HasStart: true,
	}
	if s.ContentDuration > 0 {
		anchors.Stop = timeline.FromSeconds(s.ContentStart + s.ContentDuration)
		anchors.HasStop = true
	}
	return midilog.NewLog(events, anchors), nil
}

// lastSessionConfig is the sidecar remembering the most recent
// session directory.
type lastSessionConfig struct {
	LastSessionDir string `yaml:"last_session_dir"`
	LastUpdated    string `yaml:"last_updated"`
}

func lastSessionPath(root string) string {
	return filepath.Join(root, "last_session.yaml")
}

// RememberLastSession records dir as the most recent session under
// root.
func RememberLastSession(root, dir string) error {
	cfg := &lastSessionConfig{
		LastSessionDir: dir,
		LastUpdated:    time.Now().Format(time.RFC3339),
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal last session config: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}
	if err := os.WriteFile(lastSessionPath(root), data, 0644); err != nil {
		return fmt.Errorf("failed to write last session config: %w", err)
	}
	return nil
}

// LastSession returns the most recent session directory under root.
// Returns ErrNoLastSession when none was recorded or the directory no
// longer exists.
func LastSession(root string) (string, error) {
	data, err := os.ReadFile(lastSessionPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoLastSession
		}
		return "", fmt.Errorf("failed to read last session config: %w", err)
	}

	var cfg lastSessionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("failed to parse last session config: %w", err)
	}
	if cfg.LastSessionDir == "" {
		return "", ErrNoLastSession
	}
	if _, err := os.Stat(cfg.LastSessionDir); err != nil {
		return "", ErrNoLastSession
	}
	return cfg.LastSessionDir, nil
}
