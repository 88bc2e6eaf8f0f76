// DingClaw - DingTalk stream bridge for a conversational agent
// Based on PicoClaw: https://github.com/sipeed/picoclaw
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal"
	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal/chat"
	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal/gateway"
	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal/probe"
	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal/send"
	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal/version"
)

func NewDingclawCommand() *cobra.Command {
	short := fmt.Sprintf("%s dingclaw - DingTalk bridge v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "dingclaw",
		Short:   short,
		Example: "dingclaw gateway",
	}

	cmd.PersistentFlags().StringVarP(&internal.ConfigPath, "config", "c", "", "Config file (default ~/.dingclaw/config.json)")

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		probe.NewProbeCommand(),
		chat.NewChatCommand(),
		send.NewSendCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewDingclawCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
