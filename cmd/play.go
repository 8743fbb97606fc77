package cmd

import (
	"context"
	"fmt"

	"github.com/audiolibrelab/pcmstream/internal/audio"
	"github.com/audiolibrelab/pcmstream/internal/service"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [device] [source.wav]",
	Short: "Play a WAV file or a test tone to a device",
	Long: `Play interleaved PCM to a device until interrupted.

With a WAV file the file loops unless --once is given (or playback.end_of_source
is "stop"). Without a file a sine tone at playback.tone_hz is played.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, source := "", ""
		if len(args) > 0 {
			device = args[0]
		}
		if len(args) > 1 {
			source = args[1]
		}

		policy, err := audio.ParseEndOfSource(cfg.Playback.EndOfSource)
		if err != nil {
			return err
		}
		if once, _ := cmd.Flags().GetBool("once"); once {
			policy = audio.PolicyStop
		}

		return runStream(func(ctx context.Context, svc *service.StreamService) error {
			result, err := svc.Play(ctx, device, source, policy)
			if err != nil {
				return fmt.Errorf("playback failed: %w", err)
			}
			fmt.Printf("Played %d frames (%s), %s\n",
				result.Frames, result.Config.FramesDuration(int(result.Frames)), result.Reason)
			return nil
		})
	},
}

func init() {
	playCmd.Flags().Bool("once", false, "stop at the end of the source instead of looping")
}
