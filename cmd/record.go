package cmd

import (
	"context"
	"fmt"

	"github.com/audiolibrelab/pcmstream/internal/service"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [device] [output.wav]",
	Short: "Capture audio from a device into a WAV file",
	Long: `Capture interleaved PCM from a device until interrupted and write it to a WAV file.

The device is a definition id from the config file or a raw backend identifier
(e.g. "hw:1,0" for ALSA). Without arguments the profile's device and
capture.output are used.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, output := "", ""
		if len(args) > 0 {
			device = args[0]
		}
		if len(args) > 1 {
			output = args[1]
		}

		return runStream(func(ctx context.Context, svc *service.StreamService) error {
			result, err := svc.Record(ctx, device, output)
			if err != nil {
				return fmt.Errorf("recording failed: %w", err)
			}
			fmt.Printf("Recorded %d frames (%s) to %s\n",
				result.Frames, result.Config.FramesDuration(int(result.Frames)), result.Output)
			return nil
		})
	},
}
