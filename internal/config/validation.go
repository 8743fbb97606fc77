package config

import (
	"fmt"

	"github.com/audiolibrelab/pcmstream/internal/audio"
	"github.com/audiolibrelab/pcmstream/internal/backend"
)

// validateDefinitions validates the definitions section. It is optional:
// profiles may name backend devices directly.
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Devices {
		prefix := fmt.Sprintf("definitions.devices[%d]", i)

		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateDeviceDefinition(def, prefix); err != nil {
			return err
		}
	}
	return nil
}

// validateDeviceDefinition validates a single device definition
func validateDeviceDefinition(def DeviceDefinition, prefix string) error {
	if def.Name == "" {
		return fmt.Errorf("%s: 'name' is required", prefix)
	}
	if def.Backend != "" && !backend.Valid(def.Backend) {
		return fmt.Errorf("%s: 'backend' must be one of %v, got: %s", prefix, backend.Names(), def.Backend)
	}
	if def.Direction != "" {
		if _, err := audio.ParseDirection(def.Direction); err != nil {
			return fmt.Errorf("%s: 'direction': %w", prefix, err)
		}
	}
	return nil
}

// validateProfile checks the fields a profile sets; unset fields are
// checked after inheritance by Config.Validate
func validateProfile(p *ConfigProfile, prefix string) error {
	if p == nil {
		return fmt.Errorf("%s: profile is empty", prefix)
	}
	if err := validateAudio(p.Audio, prefix+".audio", false); err != nil {
		return err
	}
	if p.Playback.EndOfSource != "" {
		if _, err := audio.ParseEndOfSource(p.Playback.EndOfSource); err != nil {
			return fmt.Errorf("%s.playback.end_of_source: %w", prefix, err)
		}
	}
	if p.Playback.ToneHz < 0 {
		return fmt.Errorf("%s.playback.tone_hz: must be >= 0, got %.1f", prefix, p.Playback.ToneHz)
	}
	return nil
}

// validateAudio checks audio fields. With required set, zero values are
// errors; otherwise they mean "inherit".
func validateAudio(a AudioConfig, prefix string, required bool) error {
	if a.Backend != "" && !backend.Valid(a.Backend) {
		return fmt.Errorf("%s.backend: must be one of %v, got: %s", prefix, backend.Names(), a.Backend)
	}
	if required && a.Backend == "" {
		return fmt.Errorf("%s.backend: is required", prefix)
	}

	if a.Format != "" {
		if _, err := audio.ParseSampleFormat(a.Format); err != nil {
			return fmt.Errorf("%s.format: %w", prefix, err)
		}
	} else if required {
		return fmt.Errorf("%s.format: is required", prefix)
	}

	ints := []struct {
		name  string
		value int
		min   int
	}{
		{"sample_rate", a.SampleRate, 1},
		{"channels", a.Channels, 1},
		{"period_frames", a.PeriodFrames, 1},
		{"periods", a.Periods, 1},
	}
	for _, f := range ints {
		if f.value == 0 && !required {
			continue
		}
		if f.value < f.min {
			return fmt.Errorf("%s.%s: must be >= %d, got %d", prefix, f.name, f.min, f.value)
		}
	}
	if a.TimeoutMS < 0 {
		return fmt.Errorf("%s.timeout_ms: must be >= 0, got %d", prefix, a.TimeoutMS)
	}
	return nil
}

// Validate checks a fully resolved configuration
func (c *Config) Validate() error {
	if err := validateAudio(c.Audio, "audio", true); err != nil {
		return err
	}
	if _, err := c.StreamConfig(); err != nil {
		return err
	}
	if _, err := audio.ParseEndOfSource(c.Playback.EndOfSource); err != nil {
		return fmt.Errorf("playback.end_of_source: %w", err)
	}
	if c.Capture.Output == "" {
		return fmt.Errorf("capture.output: is required")
	}
	if c.Device == "" {
		return fmt.Errorf("device: is required")
	}
	return nil
}
