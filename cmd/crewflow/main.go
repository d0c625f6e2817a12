// Command crewflow runs the multi-agent research team from the command line
// or serves it over HTTP.
//
// # Configuration
//
// Settings are read from crewflow.yaml in the working directory (or the file
// given with --config) and from CREWFLOW_* environment variables, for example
// CREWFLOW_LLM_BASIC_API_KEY. See internal/config for the complete list.
//
// # Example
//
// One-shot run printing the streamed reply:
//
//	crewflow run "Compare the latest Go and Rust release notes"
//
// HTTP server with Server-Sent Events:
//
//	CREWFLOW_PULSE_REDIS_ADDR=localhost:6379 crewflow serve --addr :8000
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"goa.design/clue/log"

	"github.com/crewflow/crewflow/internal/config"
)

// globalFlags are the flags shared by every command.
type globalFlags struct {
	configFile string
	debug      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		flags globalFlags
		v     = config.New()
	)
	root := &cobra.Command{
		Use:          "crewflow",
		Short:        "Multi-agent research team",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cmd.SetContext(logContext(cmd.Context(), flags.debug))
		},
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "configuration file (default ./"+config.DefaultFile+")")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logs")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(v, flags.configFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root.AddCommand(
		newRunCmd(v, load, &flags),
		newServeCmd(v, load, &flags),
		newGraphCmd(),
	)
	return root
}

// logContext configures clue logging the way every crewflow command logs:
// terminal format on a TTY, JSON otherwise.
func logContext(ctx context.Context, debug bool) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

// bindFlag binds a command flag to a configuration key so the flag takes
// precedence over the file and the environment.
func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(err)
	}
}
