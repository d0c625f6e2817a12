// Package config loads the crewflow configuration from a YAML file and
// CREWFLOW_* environment variables. Keys are dotted paths ("llm.basic.model")
// and the matching variable replaces dots with underscores
// (CREWFLOW_LLM_BASIC_MODEL). Values set by command flags bound with
// viper.BindPFlag take precedence over both.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type (
	// Config is the complete crewflow configuration.
	Config struct {
		LLM     LLM     `mapstructure:"llm"`
		Search  Search  `mapstructure:"search"`
		Handoff Handoff `mapstructure:"handoff"`
		Server  Server  `mapstructure:"server"`
		Pulse   Pulse   `mapstructure:"pulse"`
		RunLog  RunLog  `mapstructure:"runlog"`
		Tools   Tools   `mapstructure:"tools"`
	}

	// LLM configures the oracle of each strength.
	LLM struct {
		Basic     Provider  `mapstructure:"basic"`
		Reasoning Provider  `mapstructure:"reasoning"`
		Vision    Provider  `mapstructure:"vision"`
		RateLimit RateLimit `mapstructure:"rate_limit"`
	}

	// Provider configures one oracle. A strength with an empty model is
	// not registered.
	Provider struct {
		// Provider is "openai" (any OpenAI-compatible endpoint),
		// "anthropic" or "bedrock".
		Provider string `mapstructure:"provider"`
		Model    string `mapstructure:"model"`
		BaseURL  string `mapstructure:"base_url"`
		APIKey   string `mapstructure:"api_key"`
		// ReasoningEffort is sent to OpenAI reasoning models.
		ReasoningEffort string `mapstructure:"reasoning_effort"`
		// ThinkingBudget enables Anthropic extended thinking.
		ThinkingBudget int64 `mapstructure:"thinking_budget"`
		MaxTokens      int   `mapstructure:"max_tokens"`
		// Region is the AWS region of Bedrock models. Credentials come from
		// the default AWS chain.
		Region string `mapstructure:"region"`
	}

	// RateLimit configures the adaptive tokens-per-minute limiter shared by
	// the stages of a strength. A zero TPM disables limiting.
	RateLimit struct {
		TPM    float64 `mapstructure:"tpm"`
		MaxTPM float64 `mapstructure:"max_tpm"`
		// Cluster shares the budget between processes through the Pulse
		// Redis instance.
		Cluster bool `mapstructure:"cluster"`
	}

	// Search configures the web search tool.
	Search struct {
		APIKey     string `mapstructure:"api_key"`
		MaxResults int    `mapstructure:"max_results"`
		BaseURL    string `mapstructure:"base_url"`
	}

	// Handoff configures coordinator handoff detection.
	Handoff struct {
		// Marker is the reply prefix withheld from clients.
		Marker string `mapstructure:"marker"`
		// Buffer is the number of coordinator tokens withheld before the
		// prefix is checked.
		Buffer int `mapstructure:"buffer"`
		// CoordinatorMarker is the substring that routes a coordinator
		// reply to the planner.
		CoordinatorMarker string `mapstructure:"coordinator_marker"`
	}

	// Server configures the HTTP API.
	Server struct {
		Addr string `mapstructure:"addr"`
	}

	// Pulse configures live run streams. Empty RedisAddr disables them.
	Pulse struct {
		RedisAddr     string `mapstructure:"redis_addr"`
		RedisPassword string `mapstructure:"redis_password"`
		StreamPrefix  string `mapstructure:"stream_prefix"`
		StreamMaxLen  int    `mapstructure:"stream_max_len"`
	}

	// RunLog configures the MongoDB run event log and run records. Empty
	// MongoURI keeps both in memory.
	RunLog struct {
		MongoURI       string `mapstructure:"mongo_uri"`
		Database       string `mapstructure:"database"`
		Collection     string `mapstructure:"collection"`
		RunsCollection string `mapstructure:"runs_collection"`
	}

	// Tools configures the worker tools.
	Tools struct {
		// Workdir is the working directory of the shell tools and the root
		// of the file tool.
		Workdir string        `mapstructure:"workdir"`
		Python  string        `mapstructure:"python"`
		Bash    string        `mapstructure:"bash"`
		Timeout time.Duration `mapstructure:"timeout"`
		// MaxOutput caps the bytes the shell tools capture per stream.
		MaxOutput int `mapstructure:"max_output"`
	}
)

const (
	// EnvPrefix prefixes every configuration environment variable.
	EnvPrefix = "CREWFLOW"
	// DefaultFile is the configuration file read when none is given.
	DefaultFile = "crewflow.yaml"

	// ProviderOpenAI selects the OpenAI-compatible adapter.
	ProviderOpenAI = "openai"
	// ProviderAnthropic selects the Anthropic adapter.
	ProviderAnthropic = "anthropic"
	// ProviderBedrock selects the AWS Bedrock Converse adapter.
	ProviderBedrock = "bedrock"
)

var defaults = map[string]any{
	"llm.basic.provider":         ProviderOpenAI,
	"llm.basic.model":            "gpt-4o",
	"llm.basic.base_url":         "",
	"llm.basic.api_key":          "",
	"llm.basic.reasoning_effort": "",
	"llm.basic.thinking_budget":  0,
	"llm.basic.max_tokens":       0,
	"llm.basic.region":           "",

	"llm.reasoning.provider":         ProviderOpenAI,
	"llm.reasoning.model":            "o3-mini",
	"llm.reasoning.base_url":         "",
	"llm.reasoning.api_key":          "",
	"llm.reasoning.reasoning_effort": "medium",
	"llm.reasoning.thinking_budget":  0,
	"llm.reasoning.max_tokens":       0,
	"llm.reasoning.region":           "",

	"llm.vision.provider":         ProviderOpenAI,
	"llm.vision.model":            "gpt-4o",
	"llm.vision.base_url":         "",
	"llm.vision.api_key":          "",
	"llm.vision.reasoning_effort": "",
	"llm.vision.thinking_budget":  0,
	"llm.vision.max_tokens":       0,
	"llm.vision.region":           "",

	"llm.rate_limit.tpm":     0,
	"llm.rate_limit.max_tpm": 0,
	"llm.rate_limit.cluster": false,

	"search.api_key":     "",
	"search.max_results": 5,
	"search.base_url":    "",

	"handoff.marker":             "handoff",
	"handoff.buffer":             2,
	"handoff.coordinator_marker": "handoff_to_planner",

	"server.addr": ":8000",

	"pulse.redis_addr":     "",
	"pulse.redis_password": "",
	"pulse.stream_prefix":  "crewflow/run/",
	"pulse.stream_max_len": 0,

	"runlog.mongo_uri":       "",
	"runlog.database":        "crewflow",
	"runlog.collection":      "crewflow_run_events",
	"runlog.runs_collection": "crewflow_runs",

	"tools.workdir":    ".",
	"tools.python":     "python3",
	"tools.bash":       "bash",
	"tools.timeout":    2 * time.Minute,
	"tools.max_output": 64 << 10,
}

// New returns a viper instance with the crewflow defaults and environment
// binding. Bind command flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file into v and decodes the result. An empty file reads
// DefaultFile from the working directory when it exists; an explicit file
// must exist.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid or missing setting.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.Basic.Model == "" {
		errs = append(errs, errors.New("llm.basic.model is required"))
	}
	providers := []struct {
		key string
		p   Provider
	}{
		{"llm.basic", c.LLM.Basic},
		{"llm.reasoning", c.LLM.Reasoning},
		{"llm.vision", c.LLM.Vision},
	}
	for _, pc := range providers {
		key, p := pc.key, pc.p
		if p.Model == "" {
			continue
		}
		switch p.Provider {
		case ProviderOpenAI, ProviderAnthropic:
			if p.APIKey == "" {
				errs = append(errs, fmt.Errorf("%s.api_key is required", key))
			}
		case ProviderBedrock:
			if p.Region == "" {
				errs = append(errs, fmt.Errorf("%s.region is required", key))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.provider must be %q, %q or %q, got %q", key, ProviderOpenAI, ProviderAnthropic, ProviderBedrock, p.Provider))
		}
	}
	if c.LLM.RateLimit.TPM < 0 || c.LLM.RateLimit.MaxTPM < 0 {
		errs = append(errs, errors.New("llm.rate_limit values must not be negative"))
	}
	if c.LLM.RateLimit.Cluster && c.Pulse.RedisAddr == "" {
		errs = append(errs, errors.New("llm.rate_limit.cluster requires pulse.redis_addr"))
	}
	if c.Handoff.Marker == "" {
		errs = append(errs, errors.New("handoff.marker is required"))
	}
	if c.Handoff.Buffer < 1 {
		errs = append(errs, errors.New("handoff.buffer must be at least 1"))
	}
	if c.Search.MaxResults < 1 {
		errs = append(errs, errors.New("search.max_results must be at least 1"))
	}
	if c.RunLog.MongoURI != "" && c.RunLog.Database == "" {
		errs = append(errs, errors.New("runlog.database is required with runlog.mongo_uri"))
	}
	if c.Tools.Timeout < 0 {
		errs = append(errs, errors.New("tools.timeout must not be negative"))
	}
	if c.Tools.MaxOutput < 0 {
		errs = append(errs, errors.New("tools.max_output must not be negative"))
	}
	return errors.Join(errs...)
}
