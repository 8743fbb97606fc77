package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/pcmstream/internal/audio"
)

const (
	inherited       = "inherited"
	profileSpecific = "profile-specific"
	defaultProfile  = "default"
)

type DefinitionsConfig struct {
	Devices []DeviceDefinition `mapstructure:"devices" yaml:"devices"`
}

// DeviceDefinition gives a backend endpoint a stable name
type DeviceDefinition struct {
	ID        string `mapstructure:"id" yaml:"id"`
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Name      string `mapstructure:"name" yaml:"name"`           // backend identifier, e.g. "hw:1,0"
	Direction string `mapstructure:"direction" yaml:"direction"` // "capture", "playback" or empty for both
}

type GlobalAudioConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Audio        *GlobalAudioConfig        `mapstructure:"audio,omitempty" yaml:"audio,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
	Metrics      *MetricsConfig            `mapstructure:"metrics,omitempty" yaml:"metrics,omitempty"`
}

type AudioConfig struct {
	Backend      string `mapstructure:"backend" yaml:"backend"` // "auto", "pipewire", "pulse", "alsa", "null"
	SampleRate   int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels     int    `mapstructure:"channels" yaml:"channels"`
	Format       string `mapstructure:"format" yaml:"format"`
	PeriodFrames int    `mapstructure:"period_frames" yaml:"period_frames"`
	Periods      int    `mapstructure:"periods" yaml:"periods"`
	TimeoutMS    int    `mapstructure:"timeout_ms" yaml:"timeout_ms"` // acquire timeout, 0 = two periods
}

type PlaybackConfig struct {
	EndOfSource string  `mapstructure:"end_of_source" yaml:"end_of_source"` // "wrap" or "stop"
	ToneHz      float64 `mapstructure:"tone_hz" yaml:"tone_hz"`
}

type CaptureConfig struct {
	Output string `mapstructure:"output" yaml:"output"`
}

type ConfigProfile struct {
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`
	Device   string         `mapstructure:"device" yaml:"device"` // definition id or raw backend identifier
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
}

type Config struct {
	Audio    AudioConfig        `mapstructure:"audio" yaml:"audio"`
	Device   string             `mapstructure:"device" yaml:"device"`
	Playback PlaybackConfig     `mapstructure:"playback" yaml:"playback"`
	Capture  CaptureConfig      `mapstructure:"capture" yaml:"capture"`
	Metrics  MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Devices  []DeviceDefinition `mapstructure:"devices" yaml:"devices,omitempty"`

	// Profile is the name of the profile the config was resolved from
	Profile string `mapstructure:"-" yaml:"-"`

	// Internal field to track inheritance information for config show
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type InheritanceInfo struct {
	Audio struct {
		Backend      string `yaml:"backend"` // "inherited" or "profile-specific"
		SampleRate   string `yaml:"sample_rate"`
		Channels     string `yaml:"channels"`
		Format       string `yaml:"format"`
		PeriodFrames string `yaml:"period_frames"`
		Periods      string `yaml:"periods"`
	} `yaml:"audio"`
	Device   string `yaml:"device"`
	Playback string `yaml:"playback"`
	Capture  string `yaml:"capture"`
}

// Default returns the built-in configuration used when no file exists
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:      "auto",
			SampleRate:   44100,
			Channels:     2,
			Format:       "s16le",
			PeriodFrames: 1024,
			Periods:      4,
		},
		Device:   "default",
		Playback: PlaybackConfig{EndOfSource: string(audio.PolicyWrap), ToneHz: 440},
		Capture:  CaptureConfig{Output: "waveform.wav"},
		Profile:  defaultProfile,
	}
}

// DefaultPath is $HOME/.config/pcmstream.yaml
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/pcmstream.yaml")
}

// LoadWithProfile resolves profile (or active_config) from configFile on
// top of the built-in defaults. A missing file yields the defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		if profile != "" && profile != defaultProfile {
			return nil, fmt.Errorf("configuration profile '%s' not found: %s does not exist", profile, configFile)
		}
		slog.Debug("Config file not found, using defaults", "path", configFile)
		return Default(), nil
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = defaultProfile
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Built-in defaults, then global settings, then the file's default
	// profile, then the selected one
	base := Default()
	if rootConfig.Audio != nil && rootConfig.Audio.Backend != "" {
		base.Audio.Backend = rootConfig.Audio.Backend
	}
	if configName != defaultProfile {
		if dp, ok := rootConfig.Configs[defaultProfile]; ok {
			base = mergeConfigs(base, profileToConfig(dp))
		}
	}
	selected := mergeConfigs(base, profileToConfig(selectedProfile))
	selected.Profile = configName

	if rootConfig.Metrics != nil {
		selected.Metrics = *rootConfig.Metrics
	}
	if rootConfig.Definitions != nil {
		selected.Devices = rootConfig.Definitions.Devices
	}

	selected.Capture.Output = expandPath(selected.Capture.Output)

	if err := selected.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return selected, nil
}

// Save writes the resolved configuration as YAML
func (c *Config) Save(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", path, err)
	}
	return nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return err
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

func profileToConfig(p *ConfigProfile) *Config {
	if p == nil {
		return &Config{}
	}
	return &Config{
		Audio:    p.Audio,
		Device:   p.Device,
		Playback: p.Playback,
		Capture:  p.Capture,
	}
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// every field the profile leaves at its zero value falls back to base
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	result.Inheritance = &InheritanceInfo{}

	if base != nil {
		result.Audio = base.Audio
		result.Device = base.Device
		result.Playback = base.Playback
		result.Capture = base.Capture
		result.Metrics = base.Metrics
		result.Devices = base.Devices
	}

	inh := result.Inheritance
	inh.Audio.Backend = inherited
	inh.Audio.SampleRate = inherited
	inh.Audio.Channels = inherited
	inh.Audio.Format = inherited
	inh.Audio.PeriodFrames = inherited
	inh.Audio.Periods = inherited
	inh.Device = inherited
	inh.Playback = inherited
	inh.Capture = inherited

	if profile == nil {
		return result
	}

	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
		inh.Audio.Backend = profileSpecific
	}
	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
		inh.Audio.SampleRate = profileSpecific
	}
	if profile.Audio.Channels != 0 {
		result.Audio.Channels = profile.Audio.Channels
		inh.Audio.Channels = profileSpecific
	}
	if profile.Audio.Format != "" {
		result.Audio.Format = profile.Audio.Format
		inh.Audio.Format = profileSpecific
	}
	if profile.Audio.PeriodFrames != 0 {
		result.Audio.PeriodFrames = profile.Audio.PeriodFrames
		inh.Audio.PeriodFrames = profileSpecific
	}
	if profile.Audio.Periods != 0 {
		result.Audio.Periods = profile.Audio.Periods
		inh.Audio.Periods = profileSpecific
	}
	if profile.Audio.TimeoutMS != 0 {
		result.Audio.TimeoutMS = profile.Audio.TimeoutMS
	}

	if profile.Device != "" {
		result.Device = profile.Device
		inh.Device = profileSpecific
	}
	if profile.Playback.EndOfSource != "" {
		result.Playback.EndOfSource = profile.Playback.EndOfSource
		inh.Playback = profileSpecific
	}
	if profile.Playback.ToneHz != 0 {
		result.Playback.ToneHz = profile.Playback.ToneHz
		inh.Playback = profileSpecific
	}
	if profile.Capture.Output != "" {
		result.Capture.Output = profile.Capture.Output
		inh.Capture = profileSpecific
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// StreamConfig converts the audio section into a negotiation request
func (c *Config) StreamConfig() (audio.StreamConfig, error) {
	format, err := audio.ParseSampleFormat(c.Audio.Format)
	if err != nil {
		return audio.StreamConfig{}, fmt.Errorf("audio.format: %w", err)
	}
	req := audio.StreamConfig{
		Format:       format,
		Channels:     c.Audio.Channels,
		SampleRate:   c.Audio.SampleRate,
		PeriodFrames: c.Audio.PeriodFrames,
		Periods:      c.Audio.Periods,
	}
	if err := req.Validate(); err != nil {
		return audio.StreamConfig{}, fmt.Errorf("audio: %w", err)
	}
	return req, nil
}

// AcquireTimeout returns the configured timeout, zero when unset
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Audio.TimeoutMS) * time.Millisecond
}

// ResolveDevice maps a device name (definition id or raw identifier) to
// the backend that should open it and the backend's own identifier
func (c *Config) ResolveDevice(name string, dir audio.Direction) (backendName, deviceID string, err error) {
	if name == "" {
		name = c.Device
	}
	for _, def := range c.Devices {
		if def.ID != name {
			continue
		}
		if def.Direction != "" {
			want, err := audio.ParseDirection(def.Direction)
			if err != nil {
				return "", "", fmt.Errorf("device '%s': %w", def.ID, err)
			}
			if want != dir {
				return "", "", fmt.Errorf("%w: device '%s' is defined for %s only", audio.ErrDeviceUnavailable, def.ID, def.Direction)
			}
		}
		backendName = def.Backend
		if backendName == "" {
			backendName = c.Audio.Backend
		}
		return backendName, def.Name, nil
	}
	return c.Audio.Backend, name, nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("PCMSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required")
	}
	for configName, configProfile := range rootConfig.Configs {
		if err := validateProfile(configProfile, fmt.Sprintf("configs.%s", configName)); err != nil {
			return nil, err
		}
	}

	return &rootConfig, nil
}
