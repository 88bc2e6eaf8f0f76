package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal"
	"github.com/tinyland-inc/dingclaw/pkg/card"
	"github.com/tinyland-inc/dingclaw/pkg/channels"
	"github.com/tinyland-inc/dingclaw/pkg/config"
	"github.com/tinyland-inc/dingclaw/pkg/dingtalk"
	"github.com/tinyland-inc/dingclaw/pkg/health"
	"github.com/tinyland-inc/dingclaw/pkg/logger"
	"github.com/tinyland-inc/dingclaw/pkg/media"
	"github.com/tinyland-inc/dingclaw/pkg/providers"
	"github.com/tinyland-inc/dingclaw/pkg/session"
)

// runtime is the wired bridge.
type runtime struct {
	channel *channels.DingTalkChannel
	health  *health.Server
	closers []io.Closer
}

func (r *runtime) Close() {
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			logger.WarnCF("gateway", "Close failed", map[string]any{"error": err.Error()})
		}
	}
}

func gatewayCmd(ctx context.Context, debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.SetupLogging(cfg, debug); err != nil {
		return err
	}
	defer logger.Close()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.Channels.DingTalk.Enabled {
		return errors.New("channels.dingtalk is disabled")
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s DingClaw %s\n", internal.Logo, internal.FormatVersion())
	fmt.Printf("✓ Upstream: %s (%s)\n", cfg.Gateway.Provider, cfg.Gateway.URL)
	if rt.health != nil {
		fmt.Printf("✓ Health endpoints available at http://%s:%d/health and /ready\n", cfg.Health.Host, cfg.Health.Port)
	}
	fmt.Println("Press Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.channel.Run(gctx) })
	if rt.health != nil {
		g.Go(func() error { return rt.health.Run(gctx) })
	}

	err = g.Wait()
	fmt.Println("\nShutting down...")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("✓ Gateway stopped")
	return nil
}

// buildRuntime wires every component from cfg. Nothing here touches the
// network; connections are made when the channel runs.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	dt := cfg.Channels.DingTalk
	rt := &runtime{}

	tokens, client := internal.NewDingTalkClient(cfg)

	var receiver dingtalk.Receiver
	switch dt.Receiver {
	case config.ReceiverSDK:
		receiver = dingtalk.NewSDKReceiver(internal.Credentials(cfg))
	default:
		stream := dingtalk.NewStreamClient(internal.Credentials(cfg), dingtalk.WithStreamAPIBase(dt.APIBase))
		receiver = dingtalk.NewStreamReceiver(stream)
	}

	var sender dingtalk.Sender = client
	if dt.ReplyMode == config.ReplyModeWebhook {
		sender = dingtalk.NewWebhookSender()
	}

	history, err := session.NewHistoryStore(cfg.History)
	if err != nil {
		return nil, err
	}
	if c, ok := history.(io.Closer); ok {
		rt.closers = append(rt.closers, c)
	}

	provider, err := providers.NewFromConfig(cfg.Gateway)
	if err != nil {
		return nil, fmt.Errorf("error creating provider: %w", err)
	}

	bridgeOpts := []card.BridgeOption{
		card.WithHistory(history),
		card.WithInterval(time.Duration(dt.ThrottleMS) * time.Millisecond),
	}
	if !dt.DisableCards {
		bridgeOpts = append(bridgeOpts, card.WithCards(card.NewService(client, card.WithTemplateID(dt.CardTemplateID))))
	}
	if dt.EnableMediaUpload {
		uploader := media.NewUploader(tokens, media.WithOAPIBase(dt.OAPIBase))
		bridgeOpts = append(bridgeOpts, card.WithPostProcessor(uploader.Rewrite))
	}
	bridge := card.NewBridge(sender, bridgeOpts...)

	sessions := session.NewManager(session.WithTimeout(cfg.Session.Timeout()))
	var sweeper *session.Sweeper
	if cfg.Session.SweepCron != "" {
		sweeper, err = session.NewSweeper(sessions, cfg.Session.SweepCron)
		if err != nil {
			return nil, err
		}
	}

	meter := health.NewTurnMeter()
	channel, err := channels.NewDingTalkChannel(dt, channels.DingTalkDeps{
		Receiver: receiver,
		Sender:   sender,
		Replies:  bridge,
		Sessions: sessions,
		History:  history,
		Provider: provider,
		Sweeper:  sweeper,
		Meter:    meter,
	})
	if err != nil {
		return nil, err
	}
	rt.channel = channel

	if cfg.Health.Enabled {
		srv := health.NewServer(cfg.Health.Host, cfg.Health.Port, meter)
		srv.AddCheck("dingtalk", channel.Ready)
		if p, ok := history.(interface{ Ping(context.Context) error }); ok {
			srv.AddCheck("history", p.Ping)
		}
		srv.AddGauge("active_sessions", sessions.ActiveCount)
		if cfg.Health.EnableSend {
			srv.SetOutbound(channel.Bus().PublishOutbound)
		}
		rt.health = srv
	}

	return rt, nil
}
