package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/pcmstream/internal/backend"
	"github.com/audiolibrelab/pcmstream/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	backendName  string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "pcmstream",
	Short: "Capture or play raw PCM audio through a native audio backend",
	Long: `pcmstream records from or plays to an audio device through ALSA,
PulseAudio or PipeWire using one real-time buffer exchange loop.

Captured audio is written as a WAV file. Playback reads a WAV file or,
when none is given, renders a sine tone.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// Use default config path if not specified
		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// --backend overrides the configured backend for this run
		if backendName != "" {
			t, err := backend.Parse(backendName)
			if err != nil {
				return err
			}
			cfg.Audio.Backend = string(t)
		}

		slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.Profile, "backend", cfg.Audio.Backend)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pcmstream.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().StringVarP(&backendName, "backend", "b", "", "audio backend: auto, pipewire, pulse, alsa, null (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=per-period tracing, 3=sound server tracing")

	// Add subcommands
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2, 3:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Set environment variables for sound server tracing (level 3)
	if level >= 3 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
		os.Setenv("PULSE_LOG", "4")
	}
}
