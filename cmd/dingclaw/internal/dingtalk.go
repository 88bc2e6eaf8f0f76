package internal

import (
	"github.com/tinyland-inc/dingclaw/pkg/config"
	"github.com/tinyland-inc/dingclaw/pkg/dingtalk"
)

func Credentials(cfg *config.Config) dingtalk.Credentials {
	return dingtalk.Credentials{
		AppKey:    cfg.Channels.DingTalk.ClientID,
		AppSecret: cfg.Channels.DingTalk.ClientSecret,
	}
}

// NewDingTalkClient returns the shared token cache and the OpenAPI client
// built on it. The robot code is the app key.
func NewDingTalkClient(cfg *config.Config) (*dingtalk.TokenCache, *dingtalk.Client) {
	dt := cfg.Channels.DingTalk
	tokens := dingtalk.NewTokenCache(Credentials(cfg), dingtalk.WithTokenAPIBase(dt.APIBase))
	client := dingtalk.NewClient(tokens,
		dingtalk.WithAPIBase(dt.APIBase),
		dingtalk.WithRobotCode(dt.ClientID),
	)
	return tokens, client
}
