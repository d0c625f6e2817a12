package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crewflow/crewflow/internal/config"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/runtime"
	"github.com/crewflow/crewflow/runtime/agent/stream"
)

type (
	// loadFunc loads and validates the configuration.
	loadFunc func() (*config.Config, error)

	runFlags struct {
		deepThinking     bool
		searchBeforePlan bool
		output           string
	}

	// printer renders the client events of a run.
	printer interface {
		event(stream.Event) error
		done(*run.State) error
	}

	textPrinter struct {
		w         io.Writer
		reasoning bool
		inMessage bool
	}

	jsonPrinter struct {
		enc *json.Encoder
	}
)

const (
	outputText = "text"
	outputJSON = "json"
)

func newRunCmd(v *viper.Viper, load loadFunc, global *globalFlags) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Run the team on a query and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			p, err := newPrinter(flags.output, cmd.OutOrStdout(), global.debug)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			return runQuery(ctx, a.runtime, runtime.Request{
				Messages:         []run.Message{{Role: run.RoleUser, Content: strings.Join(args, " ")}},
				DeepThinking:     flags.deepThinking,
				SearchBeforePlan: flags.searchBeforePlan,
				Debug:            global.debug,
			}, p)
		},
	}
	cmd.Flags().BoolVar(&flags.deepThinking, "deep-thinking", false, "plan with the reasoning model")
	cmd.Flags().BoolVar(&flags.searchBeforePlan, "search-before-planning", false, "search the web before planning")
	cmd.Flags().StringVarP(&flags.output, "output", "o", outputText, "output format (text or json)")
	cmd.Flags().String("workdir", "", "working directory of the coder tools")
	bindFlag(v, "tools.workdir", cmd, "workdir")
	return cmd
}

// streamer is the runtime surface used by runQuery.
type streamer interface {
	Stream(ctx context.Context, req runtime.Request) (*runtime.RunStream, error)
}

// runQuery streams one run to p and waits for its outcome.
func runQuery(ctx context.Context, rt streamer, req runtime.Request, p printer) error {
	rs, err := rt.Stream(ctx, req)
	if err != nil {
		return err
	}
	var printErr error
	for evt := range rs.Events() {
		if printErr != nil {
			continue
		}
		printErr = p.event(evt)
	}
	outcome, err := rs.Wait(ctx)
	if err != nil {
		return fmt.Errorf("run %s: %w", rs.RunID(), err)
	}
	if printErr != nil {
		return printErr
	}
	if outcome.Status != run.StatusCompleted {
		return fmt.Errorf("run %s %s at %s", rs.RunID(), outcome.Status, outcome.LastStage)
	}
	return p.done(rs.State())
}

func newPrinter(format string, w io.Writer, reasoning bool) (printer, error) {
	switch format {
	case outputText:
		return &textPrinter{w: w, reasoning: reasoning}, nil
	case outputJSON:
		return &jsonPrinter{enc: json.NewEncoder(w)}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

func (p *textPrinter) event(evt stream.Event) error {
	var err error
	switch e := evt.(type) {
	case stream.AgentStart:
		err = p.line("[%s]", e.Data.AgentName)
	case stream.Message:
		if e.Data.Delta.ReasoningContent != "" && p.reasoning {
			_, err = io.WriteString(p.w, e.Data.Delta.ReasoningContent)
			p.inMessage = true
		}
		if e.Data.Delta.Content != "" {
			_, err = io.WriteString(p.w, e.Data.Delta.Content)
			p.inMessage = true
		}
	case stream.ToolCall:
		err = p.line("-> %s", e.Data.ToolName)
	case stream.AgentEnd:
		if p.inMessage {
			_, err = io.WriteString(p.w, "\n")
			p.inMessage = false
		}
	}
	return err
}

// line writes a status line, closing any open message first.
func (p *textPrinter) line(format string, args ...any) error {
	if p.inMessage {
		if _, err := io.WriteString(p.w, "\n"); err != nil {
			return err
		}
		p.inMessage = false
	}
	_, err := fmt.Fprintf(p.w, format+"\n", args...)
	return err
}

func (p *textPrinter) done(*run.State) error {
	if p.inMessage {
		_, err := io.WriteString(p.w, "\n")
		p.inMessage = false
		return err
	}
	return nil
}

func (p *jsonPrinter) event(evt stream.Event) error {
	return p.enc.Encode(struct {
		Event string `json:"event"`
		RunID string `json:"run_id"`
		Data  any    `json:"data"`
	}{string(evt.Type()), evt.RunID(), evt.Payload()})
}

func (p *jsonPrinter) done(state *run.State) error {
	if state == nil {
		return nil
	}
	return p.enc.Encode(struct {
		Messages []run.Message `json:"messages"`
	}{state.Conversation()})
}
