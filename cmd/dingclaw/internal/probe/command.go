package probe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal"
	"github.com/tinyland-inc/dingclaw/pkg/dingtalk"
)

// ErrProbeFailed makes the command exit non-zero after printing the result.
var ErrProbeFailed = errors.New("probe failed")

func NewProbeCommand() *cobra.Command {
	var botInfo bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check DingTalk credentials with one token exchange",
		Args:  cobra.NoArgs,
		// The JSON result already explains a failure.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			result := dingtalk.Probe(cmd.Context(), internal.Credentials(cfg), dingtalk.ProbeOptions{
				APIBase:     cfg.Channels.DingTalk.APIBase,
				WithBotInfo: botInfo,
			})
			return printResult(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().BoolVar(&botInfo, "bot-info", false, "Also fetch the robot profile")

	return cmd
}

func printResult(w io.Writer, result dingtalk.ProbeResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.OK {
		return ErrProbeFailed
	}
	return nil
}
