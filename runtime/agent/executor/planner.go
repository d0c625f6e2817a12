package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

type (
	// Planner produces the plan of a run. It selects the reasoning oracle
	// when the run asks for deep thinking and may search the web first.
	Planner struct {
		oracles    Oracles
		prompt     Prompts
		search     tools.Tool
		maxResults int
		logger     telemetry.Logger
	}

	// PlannerOptions configures a Planner.
	PlannerOptions struct {
		// Search is the web search tool used when the run sets
		// SearchBeforePlan. Without it the parameter is ignored.
		Search tools.Tool
		// MaxSearchResults caps the results added to the prompt. Defaults
		// to DefaultMaxSearchResults.
		MaxSearchResults int
	}

	searchResult struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
)

// DefaultMaxSearchResults is the default number of search results shown to
// the planner.
const DefaultMaxSearchResults = 5

// ErrPlanParse is logged when the planner reply is not valid JSON. It never
// fails the run: the planner routes to the end instead.
var ErrPlanParse = errors.New("planner response is not valid JSON")

// searchResultsHeading separates the search results from the request.
const searchResultsHeading = "\n\n# Relative Search Results\n\n"

// NewPlanner returns the planner executor.
func NewPlanner(oracles Oracles, p Prompts, po PlannerOptions, opts ...Option) *Planner {
	if po.MaxSearchResults <= 0 {
		po.MaxSearchResults = DefaultMaxSearchResults
	}
	o := newOptions(opts)
	return &Planner{
		oracles:    oracles,
		prompt:     p,
		search:     po.Search,
		maxResults: po.MaxSearchResults,
		logger:     o.logger,
	}
}

// Execute implements Executor.
func (p *Planner) Execute(ctx context.Context, in Input) (run.Delta, stage.Stage, error) {
	p.logger.Info(ctx, "planner generating full plan")
	params := in.State.Params()
	strength := model.StrengthBasic
	if params.DeepThinking {
		strength = model.StrengthReasoning
	}
	oracle, err := p.oracles.Client(ctx, strength)
	if err != nil {
		return run.Delta{}, "", err
	}
	system, err := render(p.prompt, stage.Planner, in.State)
	if err != nil {
		return run.Delta{}, "", err
	}
	msgs := Messages(in.State.Conversation())
	if params.SearchBeforePlan && p.search != nil && len(msgs) > 0 {
		results, err := p.searchResults(ctx, msgs[len(msgs)-1].Content, in.Tracer)
		if err != nil {
			return run.Delta{}, "", err
		}
		msgs[len(msgs)-1].Content += searchResultsHeading + results
	}

	resp, err := Generate(ctx, oracle, &model.Request{System: system, Messages: msgs, Thinking: params.DeepThinking}, in.Tracer)
	if err != nil {
		return run.Delta{}, "", err
	}
	p.logger.Debug(ctx, "planner response", "text", resp.Text)

	text, next := resp.Text, stage.Supervisor
	if candidate := stripFence(resp.Text); json.Valid([]byte(candidate)) {
		text = candidate
	} else {
		p.logger.Warn(ctx, "plan rejected", "err", ErrPlanParse)
		next = stage.End
	}
	return run.Delta{
		Messages: []run.Message{{Role: run.RoleAgentOutput, Stage: stage.Planner, Content: text}},
		Plan:     &text,
	}, next, nil
}

// searchResults runs the search tool for query and renders the first results
// as a JSON array of title and content pairs. A failed search is rendered as
// its error text.
func (p *Planner) searchResults(ctx context.Context, query string, tr tools.Tracer) (string, error) {
	input, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", err
	}
	out, err := tools.Instrument(p.search, tr).Call(ctx, input)
	if err != nil {
		if toolerrors.Is(err) {
			p.logger.Warn(ctx, "search before planning failed", "err", err)
			return toolerrors.Text(err), nil
		}
		return "", err
	}
	var results []searchResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		return out, nil
	}
	if len(results) > p.maxResults {
		results = results[:p.maxResults]
	}
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(results); err != nil {
		return "", fmt.Errorf("encode search results: %w", err)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// stripFence removes a leading ```json (or ```) marker and a trailing ```
// marker.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```json"); ok {
		s = rest
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
