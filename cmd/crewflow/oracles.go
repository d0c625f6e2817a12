package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/crewflow/crewflow/features/model/anthropic"
	"github.com/crewflow/crewflow/features/model/bedrock"
	"github.com/crewflow/crewflow/features/model/middleware"
	openaimodel "github.com/crewflow/crewflow/features/model/openai"
	"github.com/crewflow/crewflow/internal/config"
	"github.com/crewflow/crewflow/runtime/agent/model"
)

// rateLimitMap names the replicated map holding the shared TPM budgets.
const rateLimitMap = "crewflow-ratelimit"

// newOracles registers a factory for every configured strength. Clients are
// built on first use so a misconfigured vision model only fails the browser.
func newOracles(ctx context.Context, cfg config.LLM, rdb *redis.Client) (*model.Registry, error) {
	var shared *rmap.Map
	if cfg.RateLimit.TPM > 0 && cfg.RateLimit.Cluster {
		if rdb == nil {
			return nil, errors.New("clustered rate limiting requires pulse.redis_addr")
		}
		m, err := rmap.Join(ctx, rateLimitMap, rdb)
		if err != nil {
			return nil, fmt.Errorf("join rate limit map: %w", err)
		}
		shared = m
	}

	providers := map[model.Strength]config.Provider{
		model.StrengthBasic:     cfg.Basic,
		model.StrengthReasoning: cfg.Reasoning,
		model.StrengthVision:    cfg.Vision,
	}
	var strengths []model.Strength
	for strength, p := range providers {
		if p.Model != "" {
			strengths = append(strengths, strength)
		}
	}
	var budgets *middleware.Budgets
	if cfg.RateLimit.TPM > 0 {
		budgets = middleware.NewBudgets(ctx, shared, "crewflow:ratelimit:", cfg.RateLimit.TPM, cfg.RateLimit.MaxTPM, strengths...)
	}
	factories := make(map[model.Strength]model.Factory, len(strengths))
	for _, strength := range strengths {
		var wrap func(model.Client) model.Client
		if budgets != nil {
			wrap = budgets.Middleware(strength)
		}
		factories[strength] = providerFactory(providers[strength], wrap)
	}
	return model.NewRegistry(factories), nil
}

// providerFactory returns the factory of one configured provider.
func providerFactory(p config.Provider, wrap func(model.Client) model.Client) model.Factory {
	return func(ctx context.Context) (model.Client, error) {
		c, err := newProviderClient(ctx, p)
		if err != nil {
			return nil, err
		}
		if wrap != nil {
			return wrap(c), nil
		}
		return c, nil
	}
}

func newProviderClient(ctx context.Context, p config.Provider) (model.Client, error) {
	switch p.Provider {
	case config.ProviderBedrock:
		c, err := bedrock.NewFromConfig(ctx, bedrock.Config{Region: p.Region, BaseURL: p.BaseURL}, bedrock.Options{
			DefaultModel:   p.Model,
			MaxTokens:      p.MaxTokens,
			ThinkingBudget: int(p.ThinkingBudget),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderAnthropic:
		c, err := anthropic.NewFromAPIKey(p.APIKey, p.BaseURL, anthropic.Options{
			DefaultModel:   p.Model,
			MaxTokens:      p.MaxTokens,
			ThinkingBudget: p.ThinkingBudget,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderOpenAI, "":
		c, err := openaimodel.NewFromConfig(openaimodel.Config{
			APIKey:          p.APIKey,
			BaseURL:         p.BaseURL,
			Model:           p.Model,
			ReasoningEffort: p.ReasoningEffort,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", p.Provider)
	}
}
