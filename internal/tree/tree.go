package tree

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"phylopack/internal/fault"
	"phylopack/internal/genome"
	"phylopack/internal/runner"
	"phylopack/internal/stats"
)

// Method is the tree inference algorithm.
type Method string

const (
	NJ    Method = "nj"
	UPGMA Method = "upgma"
)

func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case NJ, UPGMA:
		return m, nil
	default:
		return "", fault.Invalid("tree", "unknown tree method %q (want nj or upgma)", s)
	}
}

type Params struct {
	K          int
	SketchSize int
	Threads    int
	Method     Method
}

func (p Params) Validate() error {
	if _, err := ParseMethod(string(p.Method)); err != nil {
		return err
	}
	if p.K < 1 || p.SketchSize < 1 || p.Threads < 1 {
		return fault.Invalid("tree", "k, sketch size and threads must be >= 1 (got %d, %d, %d)", p.K, p.SketchSize, p.Threads)
	}
	return nil
}

// Outputs are the files a build produces.
type Outputs struct {
	Tree      string
	StdTree   string
	LeafOrder string
	NodeInfo  string
}

// DefaultOutputs names outputs after the input list inside dir.
func DefaultOutputs(dir, input string) Outputs {
	base := genome.Basename(input)
	return Outputs{
		Tree:      filepath.Join(dir, base+".nw"),
		StdTree:   filepath.Join(dir, base+"_std.nw"),
		LeafOrder: filepath.Join(dir, base+"_leaf_order.txt"),
		NodeInfo:  filepath.Join(dir, base+"_node.txt"),
	}
}

// Builder infers a tree over a genome list and writes a leaf order of keys.
// The returned log is the builder's own output, used for timing extraction.
type Builder interface {
	Build(ctx context.Context, list string, out Outputs, p Params) (log []byte, err error)
}

// DefaultPostprocess is the postprocessor argv. {tree}, {std}, {leaf} and
// {node} are replaced with the output paths.
var DefaultPostprocess = []string{
	"postprocess_tree.py",
	"--standardize", "--midpoint-outgroup", "--ladderize", "--name-internals",
	"-l", "{leaf}",
	"-n", "{node}",
	"{tree}", "{std}",
}

// Attotree runs attotree followed by the postprocessor.
type Attotree struct {
	Runner      runner.Runner
	Binary      string
	Postprocess []string
}

func NewAttotree(r runner.Runner, binary string, postprocess []string) *Attotree {
	if binary == "" {
		binary = "attotree"
	}
	if len(postprocess) == 0 {
		postprocess = DefaultPostprocess
	}
	return &Attotree{Runner: r, Binary: binary, Postprocess: postprocess}
}

// Tools lists the executables a build needs.
func (a *Attotree) Tools() []string {
	return []string{a.Binary, a.Postprocess[0]}
}

func (a *Attotree) Build(ctx context.Context, list string, out Outputs, p Params) ([]byte, error) {
	res, err := a.Runner.Run(ctx, runner.Command{Argv: []string{
		a.Binary,
		"-L", list,
		"-o", out.Tree,
		"-k", strconv.Itoa(p.K),
		"-s", strconv.Itoa(p.SketchSize),
		"-t", strconv.Itoa(p.Threads),
		"-m", string(p.Method),
	}})
	if err != nil {
		return nil, err
	}
	if _, err := a.Runner.Run(ctx, runner.Command{Argv: ExpandArgv(a.Postprocess, out)}); err != nil {
		return nil, err
	}
	return res.Combined(), nil
}

// ExpandArgv substitutes output paths into an argv template.
func ExpandArgv(tmpl []string, out Outputs) []string {
	r := strings.NewReplacer(
		"{tree}", out.Tree,
		"{std}", out.StdTree,
		"{leaf}", out.LeafOrder,
		"{node}", out.NodeInfo,
	)
	argv := make([]string, len(tmpl))
	for i, arg := range tmpl {
		argv[i] = r.Replace(arg)
	}
	return argv
}

// DefaultMarkers delimit the mash and quicktree phases in the attotree log.
var DefaultMarkers = []runner.Marker{
	{Name: "mash_triangle_time", Start: "Running Mash", End: "Finished: 'mash triangle"},
	{Name: "quicktree_time", Start: "Running Quicktree", End: "Finished: 'quicktree"},
}

// Job is one tree build over a genome list file.
type Job struct {
	Input   string
	Outputs Outputs
	Params  Params
	// Timings reads phase durations from the builder log; nil disables it.
	Timings runner.TimingExtractor
	// Markers are the names Timings is expected to report.
	Markers []string
	// Fs holds the input list and the leaf order; nil means the OS filesystem.
	Fs afero.Fs
}

// Run builds the tree, resolves the leaf order back to the input's lines and
// rewrites the leaf order file with them.
func Run(ctx context.Context, b Builder, job Job) (genome.List, stats.Stats, error) {
	logger := klog.FromContext(ctx).WithValues("stage", "tree")
	if err := job.Params.Validate(); err != nil {
		return nil, stats.Stats{}, err
	}
	fs := genome.OrOS(job.Fs)
	input, err := genome.ReadList(fs, job.Input)
	if err != nil {
		return nil, stats.Stats{}, fault.IO("read tree input", err)
	}
	if len(input) == 0 {
		return nil, stats.Stats{}, fault.Invalid("tree", "genome list %s is empty", job.Input)
	}
	for _, p := range []string{job.Outputs.Tree, job.Outputs.StdTree, job.Outputs.LeafOrder, job.Outputs.NodeInfo} {
		if err := fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, stats.Stats{}, fault.IO("create tree output directory", err)
		}
	}

	logger.V(1).Info("Building reference tree", "input", job.Input, "genomes", len(input), "method", job.Params.Method)
	sw := stats.Start()
	log, err := b.Build(ctx, job.Input, job.Outputs, job.Params)
	if err != nil {
		return nil, stats.Stats{}, err
	}
	leaves, err := genome.ReadList(fs, job.Outputs.LeafOrder)
	if err != nil {
		return nil, stats.Stats{}, fault.IO("read leaf order", err)
	}
	resolved, err := ResolveLeaves(leaves.Lines(), input)
	if err != nil {
		return nil, stats.Stats{}, err
	}
	if err := genome.WriteList(fs, job.Outputs.LeafOrder, resolved); err != nil {
		return nil, stats.Stats{}, fault.IO("write leaf order", err)
	}
	total := sw.Stop()
	logger.V(1).Info("Built reference tree", "leaves", len(resolved), "seconds", total.WallTime)

	st := stats.New()
	st.Set("input", job.Input)
	st.Set("output", job.Outputs.StdTree)
	st.Set("kmer", job.Params.K)
	st.Set("sketch_size", job.Params.SketchSize)
	st.Set("threads", job.Params.Threads)
	st.Set("method", string(job.Params.Method))
	st.Time("total", total)
	if job.Timings != nil {
		found := job.Timings.Extract(log)
		for _, name := range job.Markers {
			d, ok := found[name]
			if !ok {
				logger.Info("Warning: timing marker not found in tree builder log", "timing", name)
				continue
			}
			st.Time(name, stats.WallOnly(d))
		}
	}
	st.Resources = stats.PeakResources()
	return resolved, st, nil
}

// ResolveLeaves maps leaf keys back to the input's original lines. Leaves
// that are unknown, repeated, or input genomes absent from the leaves are all
// integrity violations.
func ResolveLeaves(leaves []string, input genome.List) (genome.List, error) {
	paths := genome.PathMap(input)
	resolved := make(genome.List, 0, len(leaves))
	seen := make(map[string]bool, len(leaves))
	var missing, dup []string
	for _, leaf := range leaves {
		key := strings.TrimSpace(leaf)
		rec, ok := paths[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		if seen[key] {
			dup = append(dup, key)
			continue
		}
		seen[key] = true
		resolved = append(resolved, rec)
	}
	if len(missing) > 0 {
		return nil, fault.Integrity("resolve leaves", missing, "leaves not found in input list")
	}
	if len(dup) > 0 {
		return nil, fault.Integrity("resolve leaves", dup, "leaves repeated in leaf order")
	}
	var dropped []string
	for key := range paths {
		if !seen[key] {
			dropped = append(dropped, key)
		}
	}
	if len(dropped) > 0 {
		sort.Strings(dropped)
		return nil, fault.Integrity("resolve leaves", dropped, "input genomes missing from leaf order")
	}
	return resolved, nil
}
