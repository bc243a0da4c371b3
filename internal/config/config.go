// Package config loads stem capture settings from a YAML file with
// named profiles. A file holds a map of profiles plus an active_profile
// pointer; the selected profile is resolved against the "default"
// profile, so a studio setup only has to spell out what differs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultProfileName is the profile other profiles inherit from.
const DefaultProfileName = "default"

const envPrefix = "STEMCAPTURE"

// RootConfig is the on-disk shape of a config file.
type RootConfig struct {
	ActiveProfile string             `mapstructure:"active_profile" yaml:"active_profile"`
	Profiles      map[string]*Config `mapstructure:"profiles" yaml:"profiles"`
}

// Config is one fully resolved profile.
type Config struct {
	MIDI      MIDIConfig      `mapstructure:"midi" yaml:"midi"`
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Octatrack OctatrackConfig `mapstructure:"octatrack" yaml:"octatrack"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
}

// MIDIConfig names the ports connected to the Octatrack. Names are
// matched exactly first, then by case-insensitive substring.
type MIDIConfig struct {
	InputDevice  string `mapstructure:"input_device" yaml:"input_device"`
	OutputDevice string `mapstructure:"output_device" yaml:"output_device"`
}

// AudioConfig selects the capture source and how its input channels
// map onto the recorded stereo pairs.
type AudioConfig struct {
	InputDevice    string         `mapstructure:"input_device" yaml:"input_device"`
	Backend        string         `mapstructure:"backend" yaml:"backend"`
	SampleRate     int            `mapstructure:"sample_rate" yaml:"sample_rate"`
	ChannelMapping ChannelMapping `mapstructure:"channel_mapping" yaml:"channel_mapping"`
}

// ChannelMapping assigns zero-based input channel indices to the main
// stereo pair and, optionally, the cue pair. Setting both cue indices
// to -1 disables cue capture.
type ChannelMapping struct {
	MainL int `mapstructure:"main_l" yaml:"main_l"`
	MainR int `mapstructure:"main_r" yaml:"main_r"`
	CueL  int `mapstructure:"cue_l" yaml:"cue_l"`
	CueR  int `mapstructure:"cue_r" yaml:"cue_r"`
}

// HasCue reports whether a cue pair is mapped.
func (m ChannelMapping) HasCue() bool {
	return m.CueL >= 0 && m.CueR >= 0
}

// MinInputChannels returns how many input channels the device must
// expose to satisfy the mapping.
func (m ChannelMapping) MinInputChannels() int {
	max := m.MainL
	for _, idx := range []int{m.MainR, m.CueL, m.CueR} {
		if idx > max {
			max = idx
		}
	}
	return max + 1
}

// OctatrackConfig carries the device-side replay settings. StartPattern
// 0 leaves the device on whatever pattern is already selected.
type OctatrackConfig struct {
	StartPattern int     `mapstructure:"start_pattern" yaml:"start_pattern"`
	PCChannel    int     `mapstructure:"pc_channel" yaml:"pc_channel"`
	TailTime     float64 `mapstructure:"tail_time" yaml:"tail_time"`
}

// OutputConfig sets where session directories are created.
type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// DefaultConfig returns the built-in profile: main pair on inputs 0-1,
// cue disabled, program changes on the Octatrack's factory auto
// channel, two seconds of effect tail.
func DefaultConfig() *Config {
	return &Config{
		MIDI: MIDIConfig{},
		Audio: AudioConfig{
			InputDevice: "default",
			Backend:     "auto",
			SampleRate:  48000,
			ChannelMapping: ChannelMapping{
				MainL: 0,
				MainR: 1,
				CueL:  -1,
				CueR:  -1,
			},
		},
		Octatrack: OctatrackConfig{
			StartPattern: 1,
			PCChannel:    11,
			TailTime:     2.0,
		},
		Output: OutputConfig{
			Directory: "~/stemcapture",
		},
	}
}

// builtinDefaults mirrors DefaultConfig as a viper settings map so
// profile resolution can layer file values over it key by key.
func builtinDefaults() map[string]any {
	return map[string]any{
		"midi": map[string]any{
			"input_device":  "",
			"output_device": "",
		},
		"audio": map[string]any{
			"input_device": "default",
			"backend":      "auto",
			"sample_rate":  48000,
			"channel_mapping": map[string]any{
				"main_l": 0,
				"main_r": 1,
				"cue_l":  -1,
				"cue_r":  -1,
			},
		},
		"octatrack": map[string]any{
			"start_pattern": 1,
			"pc_channel":    11,
			"tail_time":     2.0,
		},
		"output": map[string]any{
			"directory": "~/stemcapture",
		},
	}
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stemcapture.yaml"
	}
	return filepath.Join(home, ".config", "stemcapture", "config.yaml")
}

// LoadWithProfile reads configFile and resolves the requested profile.
// Selection order: the profile argument, then the file's
// active_profile, then "default". The resolved profile layers over the
// "default" profile and the built-in defaults, and environment
// variables with the STEMCAPTURE_ prefix override individual keys
// (e.g. STEMCAPTURE_OCTATRACK_PC_CHANNEL). Profile names are matched
// case-insensitively.
func LoadWithProfile(configFile string, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	root, raw, err := readRoot(configFile)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(profile)
	if name == "" {
		name = root.ActiveProfile
	}
	if name == "" {
		name = DefaultProfileName
	}
	// Viper lowercases all map keys, so profile names are matched
	// case-insensitively.
	name = strings.ToLower(name)

	if _, ok := raw[name]; !ok {
		return nil, fmt.Errorf("configuration profile '%s' not found in %s", name, configFile)
	}

	cfg, err := resolveProfile(raw, name)
	if err != nil {
		return nil, err
	}

	dir, err := expandPath(cfg.Output.Directory)
	if err != nil {
		return nil, err
	}
	cfg.Output.Directory = dir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ProfileNames lists the profiles defined in configFile, sorted.
func ProfileNames(configFile string) ([]string, error) {
	_, raw, err := readRoot(configFile)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ActiveProfileName returns the profile a plain load would select.
func ActiveProfileName(configFile string) (string, error) {
	root, _, err := readRoot(configFile)
	if err != nil {
		return "", err
	}
	if root.ActiveProfile != "" {
		return strings.ToLower(root.ActiveProfile), nil
	}
	return DefaultProfileName, nil
}

// UpdateActiveProfile rewrites configFile with a new active_profile.
// The profile must already exist in the file.
func UpdateActiveProfile(configFile string, profile string) error {
	_, raw, err := readRoot(configFile)
	if err != nil {
		return err
	}
	profile = strings.ToLower(strings.TrimSpace(profile))
	if _, ok := raw[profile]; !ok {
		return fmt.Errorf("configuration profile '%s' not found in %s", profile, configFile)
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	v.Set("active_profile", profile)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to update config file: %w", err)
	}
	return nil
}

// WriteDefault creates configFile with a single default profile.
// Refuses to overwrite an existing file.
func WriteDefault(configFile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified, use --config flag")
	}
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists: %s", configFile)
	}

	root := RootConfig{
		ActiveProfile: DefaultProfileName,
		Profiles: map[string]*Config{
			DefaultProfileName: DefaultConfig(),
		},
	}
	data, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("failed to serialize default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// readRoot parses the file and returns both the typed root and the
// raw per-profile settings maps. The raw maps preserve which keys a
// profile actually set, which struct decoding cannot tell apart from
// zero values.
func readRoot(configFile string) (*RootConfig, map[string]map[string]any, error) {
	if _, err := os.Stat(configFile); err != nil {
		return nil, nil, fmt.Errorf("config file not found: %s", configFile)
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var root RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	profiles := v.GetStringMap("profiles")
	if len(profiles) == 0 {
		return nil, nil, fmt.Errorf("config file defines no profiles: %s", configFile)
	}
	raw := make(map[string]map[string]any, len(profiles))
	for name, val := range profiles {
		switch m := val.(type) {
		case map[string]any:
			raw[name] = m
		case nil:
			raw[name] = map[string]any{}
		default:
			return nil, nil, fmt.Errorf("configuration profile '%s' must be a mapping", name)
		}
	}
	return &root, raw, nil
}

// resolveProfile layers built-in defaults, the default profile, and
// the selected profile, then decodes the result.
func resolveProfile(raw map[string]map[string]any, name string) (*Config, error) {
	v := viper.New()
	if err := v.MergeConfigMap(builtinDefaults()); err != nil {
		return nil, fmt.Errorf("failed to resolve profile '%s': %w", name, err)
	}
	if def, ok := raw[DefaultProfileName]; ok && name != DefaultProfileName {
		if err := v.MergeConfigMap(def); err != nil {
			return nil, fmt.Errorf("failed to resolve profile '%s': %w", name, err)
		}
	}
	if err := v.MergeConfigMap(raw[name]); err != nil {
		return nil, fmt.Errorf("failed to resolve profile '%s': %w", name, err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse profile '%s': %w", name, err)
	}
	return &cfg, nil
}

// Validate checks the resolved profile against device limits.
func (c *Config) Validate() error {
	if err := c.MIDI.validate(); err != nil {
		return err
	}
	if err := c.Audio.validate(); err != nil {
		return err
	}
	if err := c.Octatrack.validate(); err != nil {
		return err
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output: 'directory' is required")
	}
	return nil
}

func (m MIDIConfig) validate() error {
	if m.InputDevice == "" {
		return fmt.Errorf("midi: 'input_device' is required")
	}
	if m.OutputDevice == "" {
		return fmt.Errorf("midi: 'output_device' is required")
	}
	return nil
}

func (a AudioConfig) validate() error {
	if a.InputDevice == "" {
		return fmt.Errorf("audio: 'input_device' is required")
	}
	if a.Backend != "auto" && a.Backend != "ffmpeg" {
		return fmt.Errorf("audio: 'backend' must be 'auto' or 'ffmpeg', got: %s", a.Backend)
	}
	if a.SampleRate <= 0 {
		return fmt.Errorf("audio: 'sample_rate' must be positive, got: %d", a.SampleRate)
	}
	return a.ChannelMapping.validate()
}

func (m ChannelMapping) validate() error {
	if m.MainL < 0 || m.MainR < 0 {
		return fmt.Errorf("channel_mapping: 'main_l' and 'main_r' must be non-negative input indices")
	}
	if (m.CueL >= 0) != (m.CueR >= 0) {
		return fmt.Errorf("channel_mapping: 'cue_l' and 'cue_r' must both be set or both be -1")
	}
	used := map[int]string{m.MainL: "main_l"}
	for _, ch := range []struct {
		name string
		idx  int
	}{{"main_r", m.MainR}, {"cue_l", m.CueL}, {"cue_r", m.CueR}} {
		if ch.idx < 0 {
			continue
		}
		if prev, taken := used[ch.idx]; taken {
			return fmt.Errorf("channel_mapping: '%s' and '%s' both use input %d", prev, ch.name, ch.idx)
		}
		used[ch.idx] = ch.name
	}
	return nil
}

func (o OctatrackConfig) validate() error {
	if o.PCChannel < 1 || o.PCChannel > 16 {
		return fmt.Errorf("octatrack: 'pc_channel' must be between 1 and 16, got: %d", o.PCChannel)
	}
	if o.StartPattern < 0 || o.StartPattern > 256 {
		return fmt.Errorf("octatrack: 'start_pattern' must be between 0 and 256, got: %d", o.StartPattern)
	}
	if o.TailTime < 0 || o.TailTime > 5 {
		return fmt.Errorf("octatrack: 'tail_time' must be between 0 and 5 seconds, got: %g", o.TailTime)
	}
	return nil
}

// expandPath resolves a leading ~/ against the user's home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
