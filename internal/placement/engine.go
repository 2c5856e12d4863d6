package placement

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"phylopack/internal/distance"
	"phylopack/internal/fault"
	"phylopack/internal/genome"
	"phylopack/internal/stats"
)

// Engine places query genomes next to their nearest reference.
type Engine struct {
	Provider distance.Provider
	Params   distance.Params
}

// Job names the list files of one placement. WorkDir receives sketches and the
// distance matrix.
type Job struct {
	Queries     string
	References  string
	WorkDir     string
	OrderOutput string
	// Fs holds the list files and the distance matrix; nil means the OS filesystem.
	Fs afero.Fs
}

// Result is the assignment and the combined order written to OrderOutput.
type Result struct {
	Assignment Assignment
	Order      []string
}

// Run sketches both lists, computes distances, groups every query under its
// nearest reference and writes the combined order.
func (e *Engine) Run(ctx context.Context, job Job) (Result, stats.Stats, error) {
	logger := klog.FromContext(ctx).WithValues("stage", "placement")
	if err := e.Params.Validate(); err != nil {
		return Result{}, stats.Stats{}, err
	}
	total := stats.Start()
	st := stats.New()

	queries, err := genome.ReadList(job.Fs, job.Queries)
	if err != nil {
		return Result{}, stats.Stats{}, fault.IO("read queries", err)
	}
	references, err := genome.ReadList(job.Fs, job.References)
	if err != nil {
		return Result{}, stats.Stats{}, fault.IO("read references", err)
	}
	if len(references) == 0 {
		return Result{}, stats.Stats{}, fault.Invalid("placement", "reference list %s is empty", job.References)
	}
	logger.V(1).Info("Placing genomes", "queries", len(queries), "references", len(references))

	var m distance.Matrix
	if len(queries) > 0 {
		m, err = e.distances(ctx, job, &st)
		if err != nil {
			return Result{}, stats.Stats{}, err
		}
	} else {
		logger.V(1).Info("No queries to place, order is the reference order")
		m = distance.Matrix{Columns: references.Keys()}
	}

	sw := stats.Start()
	if len(queries) > 0 {
		m, err = m.Reorder(references.Keys())
		if err != nil {
			return Result{}, stats.Stats{}, err
		}
	}
	a, err := Assign(queries, references, m)
	if err != nil {
		return Result{}, stats.Stats{}, err
	}
	order := a.Order()
	if err := genome.WriteLines(job.Fs, job.OrderOutput, order); err != nil {
		return Result{}, stats.Stats{}, fault.IO("write placement order", err)
	}
	st.Time("grouping", sw.Stop())

	st.Set("queries", job.Queries)
	st.Set("references", job.References)
	st.Set("output", job.OrderOutput)
	st.Set("kmer", e.Params.K)
	st.Set("sketch_size", e.Params.SketchSize)
	st.Set("threads", e.Params.Threads)
	st.Set("query_count", len(queries))
	st.Set("reference_count", len(references))
	st.Time("total", total.Stop())
	st.Resources = stats.PeakResources()
	logger.V(1).Info("Placed genomes", "output", job.OrderOutput, "keys", len(order))
	return Result{Assignment: a, Order: order}, st, nil
}

func (e *Engine) distances(ctx context.Context, job Job, st *stats.Stats) (distance.Matrix, error) {
	sw := stats.Start()
	querySketch, err := e.Provider.Sketch(ctx, job.Queries, filepath.Join(job.WorkDir, "queries"), e.Params)
	if err != nil {
		return distance.Matrix{}, err
	}
	st.Time("sketch_list_1", sw.Stop())

	sw = stats.Start()
	refSketch, err := e.Provider.Sketch(ctx, job.References, filepath.Join(job.WorkDir, "references"), e.Params)
	if err != nil {
		return distance.Matrix{}, err
	}
	st.Time("sketch_list_2", sw.Stop())

	sw = stats.Start()
	out := filepath.Join(job.WorkDir, "distances.tsv")
	if err := e.Provider.Distance(ctx, refSketch, querySketch, out, e.Params.Threads); err != nil {
		return distance.Matrix{}, err
	}
	m, err := distance.ReadMatrix(job.Fs, out)
	if err != nil {
		return distance.Matrix{}, err
	}
	st.Time("mash_distance", sw.Stop())
	return m, nil
}
