package cmd

import (
	"fmt"

	"github.com/audiolibrelab/pcmstream/internal/audio"
	"github.com/audiolibrelab/pcmstream/internal/service"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"sources"},
	Short:   "List devices the audio backend can open",
	Long:    `List the capture and playback endpoints exposed by the configured (or --backend) audio backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, nil)
		devices, err := svc.Devices()
		if err != nil {
			return err
		}

		fmt.Printf("Audio devices (%s)\n", svc.BackendName())
		fmt.Printf("═══════════════════════════════════════\n\n")

		fmt.Printf("%d found:\n", len(devices))
		for i, d := range devices {
			fmt.Printf("  %d. %-40s %-8s %s\n", i+1, d.ID, directions(d), d.Description)
		}

		if len(cfg.Devices) > 0 {
			fmt.Printf("\nConfigured definitions:\n")
			for _, def := range cfg.Devices {
				fmt.Printf("  • %s → %s (%s)\n", def.ID, def.Name, def.Backend)
			}
		}
		return nil
	},
}

// directions renders which ways a device can stream
func directions(d audio.DeviceInfo) string {
	switch {
	case d.Capture && d.Playback:
		return "duplex"
	case d.Capture:
		return "capture"
	case d.Playback:
		return "playback"
	}
	return "-"
}
