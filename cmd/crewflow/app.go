package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/crewflow/crewflow/features/agent/react"
	runmongo "github.com/crewflow/crewflow/features/run/mongo"
	runmongoclient "github.com/crewflow/crewflow/features/run/mongo/clients/mongo"
	runlogmongo "github.com/crewflow/crewflow/features/runlog/mongo"
	runlogmongoclient "github.com/crewflow/crewflow/features/runlog/mongo/clients/mongo"
	"github.com/crewflow/crewflow/features/server/sse"
	"github.com/crewflow/crewflow/features/stream/pulse"
	clientspulse "github.com/crewflow/crewflow/features/stream/pulse/clients/pulse"
	"github.com/crewflow/crewflow/features/tools/file"
	"github.com/crewflow/crewflow/features/tools/shell"
	"github.com/crewflow/crewflow/features/tools/tavily"
	"github.com/crewflow/crewflow/features/tools/web"
	"github.com/crewflow/crewflow/internal/config"
	"github.com/crewflow/crewflow/runtime/agent/executor"
	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/prompts"
	"github.com/crewflow/crewflow/runtime/agent/runtime"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/stream"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

type (
	// app holds the wired runtime and the resources released on shutdown.
	app struct {
		runtime *runtime.Runtime
		follow  sse.FollowFunc
		pingers []health.Pinger
		closers []func(context.Context) error
	}

	// redisPinger reports the Redis connection to /healthz.
	redisPinger struct {
		rdb *redis.Client
	}
)

// connectTimeout bounds the startup checks of Redis and MongoDB.
const connectTimeout = 10 * time.Second

// newApp wires the crewflow runtime described by cfg.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	logger := telemetry.NewClueLogger()
	rtOpts := []runtime.Option{
		runtime.WithLogger(logger),
		runtime.WithMetrics(telemetry.NewClueMetrics()),
		runtime.WithTracer(telemetry.NewClueTracer()),
		runtime.WithTranslatorOptions(stream.TranslatorOptions{
			HandoffMarker: cfg.Handoff.Marker,
			BufferSize:    cfg.Handoff.Buffer,
		}),
	}

	var rdb *redis.Client
	if cfg.Pulse.RedisAddr != "" {
		rdb, err = a.connectRedis(ctx, cfg.Pulse)
		if err != nil {
			return nil, err
		}
		streams, err := a.pulseStreams(rdb, cfg.Pulse)
		if err != nil {
			return nil, err
		}
		rtOpts = append(rtOpts, runtime.WithSink(streams.Sink()))
	}

	if cfg.RunLog.MongoURI != "" {
		opts, err := a.mongoStores(ctx, cfg.RunLog)
		if err != nil {
			return nil, err
		}
		rtOpts = append(rtOpts, opts...)
	}

	oracles, err := newOracles(ctx, cfg.LLM, rdb)
	if err != nil {
		return nil, err
	}
	lib, err := prompts.Default()
	if err != nil {
		return nil, err
	}
	reg := stage.DefaultRegistry()
	team, err := newTeam(cfg, reg, oracles, lib, logger)
	if err != nil {
		return nil, err
	}
	rtOpts = append(rtOpts, runtime.WithRegistry(reg), runtime.WithExecutors(team))

	rt, err := runtime.New(rtOpts...)
	if err != nil {
		return nil, err
	}
	a.runtime = rt
	return a, nil
}

// close releases resources in reverse acquisition order.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Errorf(ctx, err, "shutdown")
		}
	}
	a.closers = nil
}

func (a *app) connectRedis(ctx context.Context, cfg config.Pulse) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	pctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.pingers = append(a.pingers, redisPinger{rdb: rdb})
	return rdb, nil
}

// pulseStreams publishes run events to Pulse and enables live follow.
func (a *app) pulseStreams(rdb *redis.Client, cfg config.Pulse) (*pulse.Streams, error) {
	cli, err := clientspulse.New(clientspulse.Options{
		Redis:        rdb,
		StreamMaxLen: cfg.StreamMaxLen,
	})
	if err != nil {
		return nil, err
	}
	streams, err := pulse.NewStreams(pulse.StreamsOptions{Client: cli, Prefix: cfg.StreamPrefix})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, streams.Close)
	a.follow = func(ctx context.Context, runID string) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
		sub, err := streams.NewSubscriber(pulse.SubscriberOptions{SinkName: "sse-" + uuid.NewString()})
		if err != nil {
			return nil, nil, nil, err
		}
		return sub.Subscribe(ctx, runID)
	}
	return streams, nil
}

// mongoStores persists run events and run records in MongoDB.
func (a *app) mongoStores(ctx context.Context, cfg config.RunLog) ([]runtime.Option, error) {
	mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	a.closers = append(a.closers, mc.Disconnect)

	events, err := runlogmongoclient.New(runlogmongoclient.Options{
		Client:     mc,
		Database:   cfg.Database,
		Collection: cfg.Collection,
		Timeout:    connectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("run event log: %w", err)
	}
	eventStore, err := runlogmongo.NewStore(events)
	if err != nil {
		return nil, err
	}
	records, err := runmongoclient.New(runmongoclient.Options{
		Client:     mc,
		Database:   cfg.Database,
		Collection: cfg.RunsCollection,
		Timeout:    connectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("run records: %w", err)
	}
	runStore, err := runmongo.NewStore(records)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := eventStore.Ping(pctx); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	a.pingers = append(a.pingers, eventStore, runStore)
	return []runtime.Option{
		runtime.WithRunEventStore(eventStore),
		runtime.WithRunStore(runStore),
	}, nil
}

// newTeam builds the executors of reg. Workers are ReAct agents over the
// tools their stage is allowed to use.
func newTeam(cfg *config.Config, reg *stage.Registry, oracles *model.Registry, lib *prompts.Library, logger telemetry.Logger) (map[stage.Stage]executor.Executor, error) {
	toolOpts := shell.Options{
		Dir:     cfg.Tools.Workdir,
		Timeout: cfg.Tools.Timeout,
		Bash:    cfg.Tools.Bash,
		Python:  cfg.Tools.Python,
		// Zero falls back to shell.DefaultMaxOutput.
		MaxOutput: cfg.Tools.MaxOutput,
	}
	writeFile, err := file.NewWrite(cfg.Tools.Workdir)
	if err != nil {
		return nil, err
	}
	researchTools := []tools.Tool{web.NewCrawl(web.Options{})}
	var search tools.Tool
	if cfg.Search.APIKey != "" {
		s, err := tavily.New(tavily.Options{
			APIKey:     cfg.Search.APIKey,
			MaxResults: cfg.Search.MaxResults,
			BaseURL:    cfg.Search.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		search = s
		researchTools = append([]tools.Tool{s}, researchTools...)
	}

	browserStrength := model.StrengthBasic
	if oracles.Has(model.StrengthVision) {
		browserStrength = model.StrengthVision
	}
	workers := []struct {
		stage    stage.Stage
		strength model.Strength
		tools    []tools.Tool
	}{
		{stage.Researcher, model.StrengthBasic, researchTools},
		{stage.Coder, model.StrengthBasic, []tools.Tool{shell.NewPython(toolOpts), shell.NewBash(toolOpts), writeFile}},
		{stage.Browser, browserStrength, []tools.Tool{web.NewBrowser(web.Options{})}},
	}
	capabilities := make(map[stage.Stage]tools.Capability, len(workers))
	for _, w := range workers {
		set, err := tools.NewSet(w.tools...)
		if err != nil {
			return nil, fmt.Errorf("%s tools: %w", w.stage, err)
		}
		agent, err := react.New(react.Config{
			Name:   w.stage.String(),
			Oracle: oracles.Lazy(w.strength),
			Tools:  set,
			System: systemPrompt(lib, w.stage),
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%s agent: %w", w.stage, err)
		}
		capabilities[w.stage] = agent
	}

	return executor.NewTeam(reg, executor.TeamConfig{
		Oracles:      oracles,
		Prompts:      lib,
		Capabilities: capabilities,
		Planner: executor.PlannerOptions{
			Search:           search,
			MaxSearchResults: cfg.Search.MaxResults,
		},
		HandoffMarker: cfg.Handoff.CoordinatorMarker,
	}, executor.WithLogger(logger))
}

func systemPrompt(lib *prompts.Library, s stage.Stage) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		return lib.Render(s, prompts.Vars{})
	}
}

// Name implements health.Pinger.
func (p redisPinger) Name() string { return "redis" }

// Ping implements health.Pinger.
func (p redisPinger) Ping(ctx context.Context) error {
	if p.rdb == nil {
		return errors.New("redis client not configured")
	}
	return p.rdb.Ping(ctx).Err()
}
