package chat

import (
	"github.com/spf13/cobra"
)

func NewChatCommand() *cobra.Command {
	var (
		message string
		sender  string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the upstream agent from the terminal",
		Long: "Talk to the upstream agent through the same session handling the bridge uses.\n" +
			"Type /new to start a new session.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return chatCmd(cmd.Context(), message, sender, debug)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "Send a single message and exit")
	cmd.Flags().StringVarP(&sender, "sender", "s", "cli", "Sender id used to derive the session key")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
