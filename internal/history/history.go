package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"phylopack/internal/domain"
	"phylopack/internal/events"
	"phylopack/internal/fault"
	"phylopack/internal/notify"
	"phylopack/internal/pipeline"
	"phylopack/internal/repo"
	"phylopack/internal/stats"
)

// Recorder persists orchestrator runs and their state transitions.
type Recorder struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Notifier *notify.Dispatcher
	Now      func() time.Time
}

func New(db *sql.DB, n *notify.Dispatcher) *Recorder {
	return &Recorder{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Notifier: n,
		Now:      time.Now,
	}
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Recorder) events() events.Writer {
	w := r.Events
	if w.Now == nil {
		w.Now = r.now
	}
	return w
}

// Start inserts the run row and a run.started event.
func (r *Recorder) Start(ctx context.Context, info pipeline.RunInfo) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfg := info.Config
	run := domain.Run{
		ID:        info.ID,
		Input:     cfg.Input,
		Output:    cfg.Output,
		Scheme:    string(cfg.Partition.Policy),
		CutPoint:  cfg.Partition.CutPoint,
		Seed:      info.Seed,
		Status:    domain.RunRunning,
		State:     string(pipeline.StateInit),
		Workspace: info.Workspace,
		Retained:  cfg.Debug,
		StartedAt: info.StartedAt.UTC().Format(time.RFC3339),
	}
	if err := r.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	payload := events.EventPayload{
		"input":            cfg.Input,
		"output":           cfg.Output,
		"splitting_scheme": run.Scheme,
		"cut_point":        cfg.Partition.CutPoint,
		"seed":             info.Seed,
		"debug":            cfg.Debug,
		"workspace":        info.Workspace,
	}
	if _, err := r.events().Append(ctx, tx, events.RunStarted, run.ID, run.State, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Transition records a state change.
func (r *Recorder) Transition(ctx context.Context, runID string, state pipeline.State, detail map[string]any) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateRunStateTx(ctx, tx, runID, string(state)); err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if _, err := r.events().Append(ctx, tx, events.RunState, runID, string(state), detail); err != nil {
		return err
	}
	return tx.Commit()
}

// Finish stores the outcome and notifies webhooks with the run's events.
func (r *Recorder) Finish(ctx context.Context, runID string, report pipeline.Report, runErr error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	finished := r.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:         runID,
		Status:     domain.RunSucceeded,
		State:      string(report.State),
		Retained:   report.Retained,
		StatsFile:  report.StatsFile,
		FinishedAt: &finished,
	}
	if report.Target > 0 {
		target := report.Target
		run.Target = &target
	}
	if len(report.Stages) > 0 {
		data, err := stats.MarshalStages(report.Stages)
		if err != nil {
			return fmt.Errorf("encode run stats: %w", err)
		}
		run.StatsJSON = string(data)
	}
	evtType := events.RunSucceeded
	payload := events.EventPayload{"output": report.Output, "keys": report.Keys, "retained": report.Retained}
	if runErr != nil {
		evtType = events.RunFailed
		run.Status = domain.RunFailed
		run.State = string(pipeline.StateFailed)
		run.Error = runErr.Error()
		run.ErrorKind = fault.KindOf(runErr).String()
		var fe *fault.Error
		if errors.As(runErr, &fe) {
			run.ErrorKeys = fe.Keys
		}
		payload["error"] = run.Error
		payload["error_kind"] = run.ErrorKind
		payload["exit_code"] = fault.ExitCode(runErr)
	}
	if err := r.Repo.FinishRunTx(ctx, tx, run); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if _, err := r.events().Append(ctx, tx, evtType, runID, run.State, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if !r.Notifier.Enabled() {
		return nil
	}
	stored, err := r.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	evts, err := r.Repo.ListEvents(ctx, runID, 0, 0)
	if err != nil {
		return err
	}
	return r.Notifier.Deliver(ctx, stored, evts)
}
