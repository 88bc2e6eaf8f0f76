package providers

import (
	"fmt"

	"github.com/tinyland-inc/dingclaw/pkg/config"
	anthropicprovider "github.com/tinyland-inc/dingclaw/pkg/providers/anthropic"
	"github.com/tinyland-inc/dingclaw/pkg/providers/openaicompat"
)

// NewFromConfig builds the upstream provider selected by cfg.Provider.
func NewFromConfig(cfg config.GatewayConfig) (StreamProvider, error) {
	switch cfg.Provider {
	case "", config.ProviderGateway:
		return openaicompat.NewProvider(cfg.URL, cfg.BearerToken(), cfg.Model), nil
	case config.ProviderAnthropic:
		p := anthropicprovider.NewProviderWithBaseURL(cfg.BearerToken(), cfg.URL)
		if cfg.Model != "" && cfg.Model != "default" {
			p.SetModel(cfg.Model)
		}
		if cfg.MaxTokens > 0 {
			p.SetMaxTokens(cfg.MaxTokens)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", cfg.Provider)
	}
}
