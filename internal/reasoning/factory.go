package reasoning

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cohort/internal/config"
	"github.com/ShayCichocki/cohort/internal/metrics"
)

// New builds the configured backend, wrapped with rate limiting and instrumentation.
func New(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (Client, error) {
	var (
		base    Client
		backend = cfg.Reasoning.Backend
	)

	switch backend {
	case "cli":
		base = NewCLIClient(cfg.Reasoning.Command, cfg.Reasoning.Args, cfg.Reasoning.Timeout, logger)
	case "api":
		apiCfg := APIConfig{
			Model:      cfg.Anthropic.Model,
			MaxTokens:  cfg.Anthropic.MaxTokens,
			UseBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:  cfg.Anthropic.AWSRegion,
			AWSProfile: cfg.Anthropic.AWSProfile,
		}
		if cfg.Reasoning.Timeout > 0 {
			apiCfg.Options = append(apiCfg.Options, option.WithRequestTimeout(cfg.Reasoning.Timeout))
		}
		if !apiCfg.UseBedrock {
			key, err := config.GetAPIKey(cfg)
			if err != nil {
				return nil, err
			}
			apiCfg.APIKey = key
		}
		client, err := NewAPIClient(ctx, apiCfg)
		if err != nil {
			return nil, fmt.Errorf("create api client: %w", err)
		}
		base = client
	default:
		return nil, fmt.Errorf("unknown reasoning backend %q", backend)
	}

	return NewInstrumented(NewRateLimited(base, cfg.Reasoning.RatePerMinute), backend, collector), nil
}
