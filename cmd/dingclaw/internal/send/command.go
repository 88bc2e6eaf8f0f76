package send

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal"
	"github.com/tinyland-inc/dingclaw/pkg/dingtalk"
	"github.com/tinyland-inc/dingclaw/pkg/targets"
)

type options struct {
	group    bool
	userID   string
	markdown bool
	title    string
}

func NewSendCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "send <conversation> <text>",
		Short: "Send one robot message to a conversation",
		Example: `  dingclaw send dingtalk:cidXXXX "部署完成" --group
  dingclaw send cidYYYY "hi" --user 0123456789`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			_, client := internal.NewDingTalkClient(cfg)
			if err := deliver(cmd.Context(), client, args[0], args[1], opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Sent to %s\n", targets.Format(args[0]))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.group, "group", "g", false, "Target is a group conversation")
	cmd.Flags().StringVarP(&opts.userID, "user", "u", "", "Recipient staff id (required for direct messages)")
	cmd.Flags().BoolVar(&opts.markdown, "markdown", false, "Send as markdown")
	cmd.Flags().StringVar(&opts.title, "title", "", "Markdown title (defaults to the first line)")

	return cmd
}

func deliver(ctx context.Context, sender dingtalk.Sender, rawTarget, text string, opts options) error {
	typ := targets.DirectMessage
	if opts.group {
		typ = targets.Group
	}
	target := targets.Build(rawTarget, typ)
	if !targets.LooksLikeID(target.ConversationID) {
		return fmt.Errorf("%q does not look like a conversation id", rawTarget)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("message text is empty")
	}

	msg := dingtalk.TextMessage(text)
	if opts.markdown {
		msg = dingtalk.MarkdownMessage(opts.title, text)
	}
	return sender.Send(ctx, dingtalk.Recipient{
		ConversationID: target.ConversationID,
		IsGroup:        target.IsGroup(),
		UserID:         opts.userID,
	}, msg)
}
