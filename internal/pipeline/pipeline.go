package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"phylopack/internal/distance"
	"phylopack/internal/fault"
	"phylopack/internal/genome"
	"phylopack/internal/partition"
	"phylopack/internal/placement"
	"phylopack/internal/runner"
	"phylopack/internal/stats"
	"phylopack/internal/tree"
	"phylopack/internal/workspace"
)

// State is a step of the preorder state machine.
type State string

const (
	StateInit      State = "INIT"
	StatePartition State = "PARTITION"
	StateBuildTree State = "BUILD_TREE"
	StatePlace     State = "PLACE"
	StateFinalize  State = "FINALIZE"
	StateCleanup   State = "CLEANUP"
	StateRetain    State = "RETAIN"
	StateFailed    State = "FAILED"
)

// Workspace file names.
const (
	ReferencesFile     = "references.txt"
	RemainsFile        = "remains.txt"
	LeafOrderFile      = "leaf_order.txt"
	NodeOrderFile      = "node_order.txt"
	PlacementOrderFile = "placement_order.txt"
)

// Stage names used for stats files and the merged report.
const (
	StageSplit     = "split"
	StageTree      = "tree"
	StagePlacement = "placement"
)

// StageOrder is the order stages run in and appear in reports.
var StageOrder = []string{StageSplit, StageTree, StagePlacement}

// RunInfo describes a run when it starts.
type RunInfo struct {
	ID        string
	Config    PreorderConfig
	Seed      int64
	Workspace string
	StartedAt time.Time
}

// Recorder observes state transitions, typically to persist run history.
type Recorder interface {
	Start(ctx context.Context, run RunInfo) error
	Transition(ctx context.Context, runID string, state State, detail map[string]any) error
	Finish(ctx context.Context, runID string, report Report, runErr error) error
}

// Report summarises a finished run.
type Report struct {
	RunID     string
	State     State
	Seed      int64
	Target    int
	Clamped   bool
	Output    string
	StatsFile string
	Workspace string
	Retained  bool
	Stages    []stats.Stage
	Keys      int
}

// Orchestrator sequences partition, tree build and placement.
type Orchestrator struct {
	Tools         runner.LookPather
	RequiredTools []string
	Distance      distance.Provider
	Builder       tree.Builder
	// Fs holds the input, the workspace and the outputs. External tools see
	// the same paths, so anything but the OS filesystem suits test doubles
	// only. The metrics textfile is always written to the OS filesystem.
	Fs       afero.Fs
	Recorder Recorder
	Now           func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// run carries per-invocation state through the stages.
type run struct {
	o      *Orchestrator
	fs     afero.Fs
	cfg    PreorderConfig
	ws     *workspace.Workspace
	report Report
	logger logr.Logger
}

// Run executes one preorder run. The workspace is removed on success unless
// cfg.Debug is set; on failure it is kept unless the workspace policy says
// otherwise.
func (o *Orchestrator) Run(ctx context.Context, cfg PreorderConfig) (Report, error) {
	logger := klog.FromContext(ctx).WithValues("pipeline", "preorder")
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	if o.Tools != nil {
		if err := runner.Require(o.Tools, logger, o.RequiredTools...); err != nil {
			return Report{}, err
		}
	}

	start := o.now()
	seed := start.Unix()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	cfg.Partition.Seed = seed
	if cfg.Stats.Format == "" {
		cfg.Stats.Format = stats.FormatJSON
	}

	fs := genome.OrOS(o.Fs)
	outDir := filepath.Dir(cfg.Output)
	if err := fs.MkdirAll(outDir, 0o755); err != nil {
		return Report{}, fault.IO("create output directory", err)
	}
	ws, err := workspace.New(workspace.Options{
		Fs:          fs,
		Debug:       cfg.Debug,
		OutputDir:   outDir,
		UniqueDebug: cfg.Workspace.UniqueDebugDir,
		TempRoot:    cfg.Workspace.TempRoot,
		Now:         o.now,
	})
	if err != nil {
		return Report{}, err
	}

	r := &run{
		o:   o,
		fs:  fs,
		cfg: cfg,
		ws:  ws,
		report: Report{
			RunID:     uuid.NewString(),
			State:     StateInit,
			Seed:      seed,
			Output:    cfg.Output,
			Workspace: ws.Dir(),
		},
	}
	r.logger = logger.WithValues("run", r.report.RunID)
	ctx = klog.NewContext(ctx, r.logger)
	r.logger.V(1).Info("Starting preorder", "input", cfg.Input, "output", cfg.Output, "workspace", ws.Dir(), "seed", seed)
	r.record(o.Recorder != nil, func() error {
		return o.Recorder.Start(ctx, RunInfo{ID: r.report.RunID, Config: cfg, Seed: seed, Workspace: ws.Dir(), StartedAt: start})
	})

	runErr := r.stages(ctx)
	return r.finish(ctx, runErr)
}

func (r *run) stages(ctx context.Context) error {
	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{StatePartition, r.partition},
		{StateBuildTree, r.buildTree},
		{StatePlace, r.place},
		{StateFinalize, r.finalize},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.transition(ctx, step.state, nil)
		if err := step.fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) partition(ctx context.Context) error {
	res, st, err := partition.Run(ctx, partition.Job{
		Input:           r.cfg.Input,
		ReferenceOutput: r.ws.Path(ReferencesFile),
		RemainderOutput: r.ws.Path(RemainsFile),
		CustomReference: r.cfg.CustomReference,
		Options:         r.cfg.Partition,
		Fs:              r.fs,
	})
	if err != nil {
		return err
	}
	r.report.Target = res.Target
	r.report.Clamped = res.Clamped
	if err := r.stageStats(StageSplit, st); err != nil {
		return err
	}
	if len(res.Partition.Reference) == 0 {
		return fault.Invalid("preorder", "no reference genomes selected out of %d (scheme %s, cut value %v); the tree needs at least one",
			len(res.Partition.Remainder), r.cfg.Partition.Policy, r.cfg.Partition.CutPoint)
	}
	return nil
}

func (r *run) buildTree(ctx context.Context) error {
	markers := r.cfg.LogMarkers
	if markers == nil {
		markers = tree.DefaultMarkers
	}
	names := make([]string, len(markers))
	for i, m := range markers {
		names[i] = m.Name
	}
	_, st, err := tree.Run(ctx, r.o.Builder, tree.Job{
		Input: r.ws.Path(ReferencesFile),
		Outputs: tree.Outputs{
			Tree:      r.ws.Path("references.nw"),
			StdTree:   r.ws.Path("references_std.nw"),
			LeafOrder: r.ws.Path(LeafOrderFile),
			NodeInfo:  r.ws.Path(NodeOrderFile),
		},
		Params:  r.cfg.Tree,
		Timings: runner.MarkerExtractor{Markers: markers, Layout: r.cfg.TimestampLayout},
		Markers: names,
		Fs:      r.fs,
	})
	if err != nil {
		return err
	}
	return r.stageStats(StageTree, st)
}

func (r *run) place(ctx context.Context) error {
	engine := &placement.Engine{Provider: r.o.Distance, Params: r.cfg.Placement}
	res, st, err := engine.Run(ctx, placement.Job{
		Queries:     r.ws.Path(RemainsFile),
		References:  r.ws.Path(LeafOrderFile),
		WorkDir:     r.ws.Dir(),
		OrderOutput: r.ws.Path(PlacementOrderFile),
		Fs:          r.fs,
	})
	if err != nil {
		return err
	}
	r.report.Keys = len(res.Order)
	return r.stageStats(StagePlacement, st)
}

func (r *run) finalize(ctx context.Context) error {
	if err := r.ws.CopyOut(PlacementOrderFile, r.cfg.Output); err != nil {
		return err
	}
	r.logger.V(1).Info("Wrote combined order", "output", r.cfg.Output, "keys", r.report.Keys)
	if !r.cfg.Stats.Enabled {
		return nil
	}
	files := make([]stats.StageFile, len(r.report.Stages))
	for i, s := range r.report.Stages {
		files[i] = stats.StageFile{Name: s.Name, Path: r.ws.Path(stats.FileName(s.Name, r.cfg.Stats.Format))}
	}
	merged, err := stats.MergeFiles(r.fs, r.cfg.Stats.Format, files)
	if err != nil {
		return err
	}
	name := stats.MergedName(genome.Basename(r.cfg.Input), r.report.Target, r.cfg.Stats.Format)
	path := filepath.Join(filepath.Dir(r.cfg.Output), name)
	if err := afero.WriteFile(r.fs, path, merged, 0o644); err != nil {
		return fault.IO("write merged stats", err)
	}
	r.report.StatsFile = path
	r.logger.V(1).Info("Wrote statistics", "path", path)
	if r.cfg.Stats.Textfile != "" {
		if err := stats.WriteTextfile(r.cfg.Stats.Textfile, r.report.RunID, r.report.Stages); err != nil {
			return fault.IO("write metrics textfile", err)
		}
	}
	return nil
}

// stageStats keeps a stage's stats and, when enabled, writes its file into
// the workspace in the run's pinned format.
func (r *run) stageStats(name string, st stats.Stats) error {
	r.report.Stages = append(r.report.Stages, stats.Stage{Name: name, Stats: st})
	if !r.cfg.Stats.Enabled {
		return nil
	}
	return stats.WriteFile(r.fs, r.ws.Path(stats.FileName(name, r.cfg.Stats.Format)), r.cfg.Stats.Format, st)
}

func (r *run) finish(ctx context.Context, runErr error) (Report, error) {
	ws := r.ws
	var cleanupErr error
	switch {
	case runErr != nil && r.cfg.Workspace.CleanupOnFailure:
		cleanupErr = ws.Remove()
		r.report.Retained = false
	case runErr != nil:
		r.report.Retained = true
		r.logger.Info("Run failed, keeping workspace for inspection", "workspace", ws.Dir())
	case ws.Retained():
		r.report.Retained = true
		r.transition(ctx, StateRetain, map[string]any{"workspace": ws.Dir()})
		r.logger.Info("Keeping debug workspace", "workspace", ws.Dir())
	default:
		r.transition(ctx, StateCleanup, nil)
		cleanupErr = ws.Close()
	}

	err := multierr.Append(runErr, cleanupErr)
	if err != nil {
		r.report.State = StateFailed
	}
	// Recording uses a fresh context so a cancelled run is still recorded.
	rctx := klog.NewContext(context.WithoutCancel(ctx), r.logger)
	r.record(r.o.Recorder != nil, func() error {
		return r.o.Recorder.Finish(rctx, r.report.RunID, r.report, err)
	})
	if err != nil {
		return r.report, err
	}
	r.logger.V(1).Info("Finished preorder", "output", r.cfg.Output, "state", r.report.State)
	return r.report, nil
}

func (r *run) transition(ctx context.Context, state State, detail map[string]any) {
	r.report.State = state
	r.logger.V(1).Info("Entering state", "state", state)
	r.record(r.o.Recorder != nil, func() error {
		return r.o.Recorder.Transition(ctx, r.report.RunID, state, detail)
	})
}

// record calls fn when enabled. History failures never change the run's
// outcome; they are logged.
func (r *run) record(enabled bool, fn func() error) {
	if !enabled {
		return
	}
	if err := fn(); err != nil {
		r.logger.Error(err, "Failed to record run history")
	}
}
