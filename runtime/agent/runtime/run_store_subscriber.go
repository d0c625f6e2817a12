package runtime

import (
	"context"
	"time"

	"github.com/crewflow/crewflow/runtime/agent/hooks"
	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
)

// recorder keeps the run record of a run current as its trace is published.
// Store failures are logged and never fail the run: records are observational.
type recorder struct {
	store  run.Store
	logger telemetry.Logger
	labels map[string]string
}

func newRecorder(store run.Store, logger telemetry.Logger, labels map[string]string) *recorder {
	return &recorder{store: store, logger: logger, labels: labels}
}

// HandleEvent implements hooks.Subscriber.
func (r *recorder) HandleEvent(ctx context.Context, evt hooks.Event) error {
	var err error
	switch e := evt.(type) {
	case *hooks.RunStartedEvent:
		err = r.upsert(ctx, evt, run.StatusRunning, "", true)
	case *hooks.StageStartEvent:
		err = r.upsert(ctx, evt, run.StatusRunning, "", false)
	case *hooks.RunCompletedEvent:
		var msg string
		if e.Error != nil {
			msg = e.Error.Error()
		}
		err = r.upsert(ctx, evt, e.Status, msg, false)
	default:
		return nil
	}
	if err != nil {
		r.logger.Warn(ctx, "run record update failed", "run_id", evt.RunID(), "event", evt.Type(), "err", err)
	}
	return nil
}

// upsert loads the current record, if any, applies the event and writes it
// back.
func (r *recorder) upsert(ctx context.Context, evt hooks.Event, status run.Status, errMsg string, overwriteStart bool) error {
	rec, err := r.store.Load(ctx, evt.RunID())
	if err != nil {
		return err
	}
	eventTime := time.UnixMilli(evt.Timestamp())
	if rec.RunID == "" {
		rec.RunID = evt.RunID()
		rec.StartedAt = eventTime
	}
	if overwriteStart || rec.StartedAt.IsZero() {
		rec.StartedAt = eventTime
	}
	rec.Status = status
	rec.Stage = evt.Stage()
	rec.Steps = evt.Step()
	rec.UpdatedAt = eventTime
	if errMsg != "" {
		rec.Error = errMsg
	}
	if len(r.labels) > 0 {
		rec.Labels = r.labels
	}
	return r.store.Upsert(ctx, rec)
}
