package cmd

import (
	"fmt"

	"github.com/audiolibrelab/pcmstream/internal/config"

	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage pcmstream configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	Long:  `Show the configuration resolved for the active profile. With --sources, each value is annotated as inherited from the default profile or profile-specific.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sources, _ := cmd.Flags().GetBool("sources"); sources {
			printResolved(cfg)
			return nil
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <profile>",
	Short: "Set the active profile in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile set to %s in %s\n", args[0], cfgFile)
		return nil
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save <path>",
	Short: "Write the resolved configuration to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Save(args[0]); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", args[0])
		return nil
	},
}

// printResolved shows the configuration with inheritance indicators
func printResolved(c *config.Config) {
	inh := c.Inheritance
	if inh == nil {
		inh = &config.InheritanceInfo{}
	}

	fmt.Printf("=== RESOLVED CONFIGURATION (%s) ===\n", c.Profile)

	fmt.Printf("\n[Audio]\n")
	fmt.Printf("backend: %s %s\n", c.Audio.Backend, getInheritanceIndicator(inh.Audio.Backend))
	fmt.Printf("sample_rate: %d %s\n", c.Audio.SampleRate, getInheritanceIndicator(inh.Audio.SampleRate))
	fmt.Printf("channels: %d %s\n", c.Audio.Channels, getInheritanceIndicator(inh.Audio.Channels))
	fmt.Printf("format: %s %s\n", c.Audio.Format, getInheritanceIndicator(inh.Audio.Format))
	fmt.Printf("period_frames: %d %s\n", c.Audio.PeriodFrames, getInheritanceIndicator(inh.Audio.PeriodFrames))
	fmt.Printf("periods: %d %s\n", c.Audio.Periods, getInheritanceIndicator(inh.Audio.Periods))

	fmt.Printf("\n[Device]\n")
	fmt.Printf("device: %s %s\n", c.Device, getInheritanceIndicator(inh.Device))

	fmt.Printf("\n[Playback]\n")
	fmt.Printf("end_of_source: %s, tone_hz: %.0f %s\n", c.Playback.EndOfSource, c.Playback.ToneHz, getInheritanceIndicator(inh.Playback))

	fmt.Printf("\n[Capture]\n")
	fmt.Printf("output: %s %s\n", c.Capture.Output, getInheritanceIndicator(inh.Capture))
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[default]"
	}
}

func init() {
	configShowCmd.Flags().Bool("sources", false, "annotate where each value comes from")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configUseCmd)
	configCmd.AddCommand(configSaveCmd)
}
