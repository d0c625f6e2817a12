// Package sse serves crewflow runs over HTTP. A chat request starts a run and
// the response streams its client events as Server-Sent Events, one frame per
// event:
//
//	event: <name>
//	data: <json payload>
//
// Closing the connection cancels the run. Recorded runs can be inspected
// through the run and run event endpoints, and runs started by other
// processes can be followed live when a Follow function is configured.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/runlog"
	"github.com/crewflow/crewflow/runtime/agent/runtime"
	"github.com/crewflow/crewflow/runtime/agent/stream"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
)

type (
	// Runner starts runs and exposes their records. *runtime.Runtime
	// implements it.
	Runner interface {
		Stream(ctx context.Context, req runtime.Request) (*runtime.RunStream, error)
		Events(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error)
		Record(ctx context.Context, runID string) (run.Record, error)
	}

	// FollowFunc subscribes to the live client events of a run. Both
	// channels are closed when the subscription ends; cancel releases it.
	FollowFunc func(ctx context.Context, runID string) (events <-chan stream.Event, errs <-chan error, cancel context.CancelFunc, err error)

	// Options configures a Server.
	Options struct {
		// Runner executes runs. Required.
		Runner Runner
		// Follow enables GET /api/runs/{id}/stream.
		Follow FollowFunc
		// Pingers are the dependencies reported by /healthz.
		Pingers []health.Pinger
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Debug mounts the debug log enabler and logs request and response
		// bodies when debug logs are enabled.
		Debug bool
	}

	// Server is the HTTP API of crewflow.
	Server struct {
		runner Runner
		follow FollowFunc
		logger telemetry.Logger
		debug  bool
		mux    *http.ServeMux
	}

	chatRequest struct {
		Messages             []chatMessage `json:"messages"`
		Debug                bool          `json:"debug"`
		DeepThinkingMode     bool          `json:"deep_thinking_mode"`
		SearchBeforePlanning bool          `json:"search_before_planning"`
	}

	chatMessage struct {
		Role    string  `json:"role"`
		Content content `json:"content"`
	}

	// content is either a string or a list of typed content items.
	content string

	contentItem struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL string `json:"image_url,omitempty"`
	}

	eventView struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp string          `json:"timestamp"`
	}

	pageView struct {
		Events     []eventView `json:"events"`
		NextCursor string      `json:"next_cursor,omitempty"`
	}

	recordView struct {
		RunID     string            `json:"run_id"`
		Status    string            `json:"status"`
		Stage     string            `json:"stage,omitempty"`
		Steps     int               `json:"steps"`
		StartedAt string            `json:"started_at"`
		UpdatedAt string            `json:"updated_at"`
		Error     string            `json:"error,omitempty"`
		Labels    map[string]string `json:"labels,omitempty"`
	}
)

const (
	// DefaultPageSize is the number of run events returned when the request
	// does not set a limit.
	DefaultPageSize = 100
	// MaxPageSize bounds the limit of a run events request.
	MaxPageSize = 1000

	maxRequestBody = 4 << 20
	timeLayout     = "2006-01-02T15:04:05.000Z07:00"
)

// New returns a Server for opts.
func New(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Server{
		runner: opts.Runner,
		follow: opts.Follow,
		logger: logger,
		debug:  opts.Debug,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /api/chat/stream", s.chat)
	s.mux.HandleFunc("GET /api/runs/{id}", s.record)
	s.mux.HandleFunc("GET /api/runs/{id}/events", s.events)
	s.mux.HandleFunc("GET /api/runs/{id}/stream", s.followRun)
	check := health.Handler(health.NewChecker(opts.Pingers...))
	s.mux.Handle("GET /healthz", check)
	s.mux.Handle("GET /livez", check)
	if opts.Debug {
		debug.MountDebugLogEnabler(s.mux)
	}
	return s, nil
}

// ServeHTTP implements http.Handler without the logging middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler returns the server wrapped with the request logging middleware of
// the logger in ctx.
func (s *Server) Handler(ctx context.Context) http.Handler {
	var handler http.Handler = s.mux
	if s.debug {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	msgs, err := body.conversation()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rs, err := s.runner.Stream(ctx, runtime.Request{
		Messages:         msgs,
		DeepThinking:     body.DeepThinkingMode,
		SearchBeforePlan: body.SearchBeforePlanning,
		Debug:            body.Debug,
	})
	if errors.Is(err, runtime.ErrEmptyInput) {
		writeError(w, http.StatusBadRequest, "Input could not be empty")
		return
	}
	if err != nil {
		s.logger.Error(ctx, "start run", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	setStreamHeaders(w)
	w.Header().Set("X-Run-ID", rs.RunID())
	w.WriteHeader(http.StatusOK)
	flush(w)
	for evt := range rs.Events() {
		if err := writeEvent(w, string(evt.Type()), evt.Payload()); err != nil {
			s.logger.Info(ctx, "client disconnected, stopping run", "run_id", rs.RunID())
			return
		}
		flush(w)
	}
	if _, err := rs.Wait(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn(ctx, "run failed", "run_id", rs.RunID(), "err", err)
		_ = writeEvent(w, "error", map[string]string{"error": err.Error()})
		flush(w)
	}
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runner.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.RunID == "" {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, recordView{
		RunID:     rec.RunID,
		Status:    string(rec.Status),
		Stage:     string(rec.Stage),
		Steps:     rec.Steps,
		StartedAt: rec.StartedAt.UTC().Format(timeLayout),
		UpdatedAt: rec.UpdatedAt.UTC().Format(timeLayout),
		Error:     rec.Error,
		Labels:    rec.Labels,
	})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	limit := DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > MaxPageSize {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", MaxPageSize))
			return
		}
		limit = n
	}
	page, err := s.runner.Events(r.Context(), r.PathValue("id"), r.URL.Query().Get("cursor"), limit)
	if errors.Is(err, runtime.ErrNoRunEventStore) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	view := pageView{Events: make([]eventView, 0, len(page.Events)), NextCursor: page.NextCursor}
	for _, e := range page.Events {
		view.Events = append(view.Events, eventView{
			ID:        e.ID,
			Type:      string(e.Type),
			Payload:   e.Payload,
			Timestamp: e.Timestamp.UTC().Format(timeLayout),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) followRun(w http.ResponseWriter, r *http.Request) {
	if s.follow == nil {
		writeError(w, http.StatusNotFound, "live run streams are not configured")
		return
	}
	ctx := r.Context()
	runID := r.PathValue("id")
	events, errs, cancel, err := s.follow(ctx, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cancel()

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flush(w)
	for evt := range events {
		if err := writeEvent(w, string(evt.Type()), evt.Payload()); err != nil {
			return
		}
		flush(w)
		if evt.Type() == stream.EventWorkflowEnd {
			return
		}
	}
	if err, ok := <-errs; ok && err != nil && ctx.Err() == nil {
		s.logger.Warn(ctx, "follow run", "run_id", runID, "err", err)
		_ = writeEvent(w, "error", map[string]string{"error": err.Error()})
		flush(w)
	}
}

// conversation converts the request messages into run messages.
func (c chatRequest) conversation() ([]run.Message, error) {
	msgs := make([]run.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		var role run.Role
		switch m.Role {
		case "user":
			role = run.RoleUser
		case "assistant":
			role = run.RoleAgentOutput
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
		msgs = append(msgs, run.Message{Role: role, Content: string(m.Content)})
	}
	return msgs, nil
}

// UnmarshalJSON accepts a string or a list of content items. Text items are
// joined with newlines; other items are dropped.
func (c *content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = content(s)
		return nil
	}
	var items []contentItem
	if err := json.Unmarshal(data, &items); err != nil {
		return errors.New("content must be a string or a list of content items")
	}
	var texts []string
	for _, it := range items {
		if it.Type == "text" && it.Text != "" {
			texts = append(texts, it.Text)
		}
	}
	*c = content(strings.Join(texts, "\n"))
	return nil
}

func setStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeEvent writes one SSE frame. Payloads are encoded without HTML
// escaping.
func writeEvent(w io.Writer, name string, payload any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, bytes.TrimRight(buf.Bytes(), "\n"))
	return err
}

func flush(w http.ResponseWriter) {
	_ = http.NewResponseController(w).Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
