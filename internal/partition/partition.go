package partition

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"phylopack/internal/fault"
	"phylopack/internal/genome"
	"phylopack/internal/stats"
)

// Policy selects how reference genomes are chosen.
type Policy string

const (
	Random       Policy = "random"
	NthAccession Policy = "nth-accession"
	Custom       Policy = "custom"
)

// ParsePolicy validates a --splitting-scheme value.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.TrimSpace(s)); p {
	case Random, NthAccession, Custom:
		return p, nil
	default:
		return "", fault.Invalid("partition", "unknown splitting scheme %q (want random, nth-accession or custom)", s)
	}
}

// Options configure one split. Seed is always explicit; callers pick a default.
type Options struct {
	Policy   Policy
	CutPoint float64
	Nth      int
	Seed     int64
	// Custom holds the supplied reference list for the custom policy.
	Custom genome.List
}

// Validate checks option combinations before any I/O.
func (o Options) Validate() error {
	switch o.Policy {
	case Random:
	case NthAccession:
		if o.Nth < 1 {
			return fault.Invalid("partition", "--nth must be >= 1 for the nth-accession scheme, got %d", o.Nth)
		}
	case Custom:
		return nil
	default:
		return fault.Invalid("partition", "unknown splitting scheme %q", o.Policy)
	}
	if math.IsNaN(o.CutPoint) || o.CutPoint <= 0 {
		return fault.Invalid("partition", "cut value must be > 0, got %v", o.CutPoint)
	}
	return nil
}

// ResolveTarget turns a cut point into a reference count for n genomes. Values
// in (0,1) are fractions of n, floored; values >= 1 are counts, clamped to n.
func ResolveTarget(cut float64, n int) (target int, clamped bool, err error) {
	switch {
	case math.IsNaN(cut) || cut <= 0:
		return 0, false, fault.Invalid("partition", "cut value must be > 0, got %v", cut)
	case cut < 1:
		target = int(math.Floor(cut * float64(n)))
	default:
		target = int(math.Floor(cut))
		if target > n {
			target, clamped = n, true
		}
	}
	return target, clamped, nil
}

// Result is a split plus how the target was resolved.
type Result struct {
	Partition genome.Partition
	Target    int
	Clamped   bool
	// Unmatched lists custom references absent from the input.
	Unmatched []string
}

// Split partitions input without touching the filesystem. A fractional cut
// that floors to zero yields no references and keeps every genome in the
// remainder.
func Split(input genome.List, opts Options) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	if len(input) == 0 {
		return Result{}, fault.Invalid("partition", "input genome list is empty")
	}
	if opts.Policy == Custom {
		return splitCustom(input, opts.Custom), nil
	}
	target, clamped, err := ResolveTarget(opts.CutPoint, len(input))
	if err != nil {
		return Result{}, err
	}
	res := Result{Target: target, Clamped: clamped}
	switch opts.Policy {
	case Random:
		res.Partition = splitRandom(input, target, opts.Seed)
	case NthAccession:
		res.Partition = splitNth(input, target, opts.Nth)
	}
	return res, nil
}

func splitRandom(input genome.List, target int, seed int64) genome.Partition {
	shuffled := append(genome.List(nil), input...)
	r := rand.New(rand.NewPCG(uint64(seed), 0))
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return genome.Partition{
		Reference: shuffled[:target:target],
		Remainder: append(genome.List(nil), shuffled[target:]...),
	}
}

func splitNth(input genome.List, target, nth int) genome.Partition {
	sorted := append(genome.List(nil), input...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := sorted[i].Key(), sorted[j].Key()
		if ki != kj {
			return ki < kj
		}
		return sorted[i] < sorted[j]
	})
	var p genome.Partition
	for idx, g := range sorted {
		if len(p.Reference) == target {
			p.Remainder = append(p.Remainder, sorted[idx:]...)
			break
		}
		if idx%nth == 0 {
			p.Reference = append(p.Reference, g)
		} else {
			p.Remainder = append(p.Remainder, g)
		}
	}
	return p
}

func splitCustom(input, refs genome.List) Result {
	refSet := make(map[genome.Record]struct{}, len(refs))
	for _, r := range refs {
		refSet[r] = struct{}{}
	}
	inputSet := make(map[genome.Record]struct{}, len(input))
	p := genome.Partition{Reference: append(genome.List(nil), refs...)}
	for _, g := range input {
		inputSet[g] = struct{}{}
		if _, ok := refSet[g]; ok {
			continue
		}
		p.Remainder = append(p.Remainder, g)
	}
	res := Result{Partition: p, Target: len(refs)}
	for _, r := range refs {
		if _, ok := inputSet[r]; !ok {
			res.Unmatched = append(res.Unmatched, string(r))
		}
	}
	return res
}

// Job is a file-backed split.
type Job struct {
	Input           string
	ReferenceOutput string
	RemainderOutput string
	// CustomReference is the path of the supplied list for the custom policy.
	CustomReference string
	Options         Options
	// Fs holds every list file; nil means the OS filesystem.
	Fs afero.Fs
}

// Run reads the input list, splits it and writes both outputs.
func Run(ctx context.Context, job Job) (Result, stats.Stats, error) {
	logger := klog.FromContext(ctx).WithValues("stage", "split")
	if err := job.Options.Validate(); err != nil {
		return Result{}, stats.Stats{}, err
	}
	if job.Options.Policy == Custom && job.CustomReference == "" && len(job.Options.Custom) == 0 {
		return Result{}, stats.Stats{}, fault.Invalid("partition", "--custom-ref is required for the custom scheme")
	}
	input, err := genome.ReadList(job.Fs, job.Input)
	if err != nil {
		return Result{}, stats.Stats{}, fault.IO("read input genomes", err)
	}
	logger.V(1).Info("Splitting genomes", "input", job.Input, "genomes", len(input), "scheme", job.Options.Policy)

	sw := stats.Start()
	opts := job.Options
	if opts.Policy == Custom && job.CustomReference != "" {
		opts.Custom, err = genome.ReadList(job.Fs, job.CustomReference)
		if err != nil {
			return Result{}, stats.Stats{}, fault.IO("read custom references", err)
		}
	}
	res, err := Split(input, opts)
	if err != nil {
		return Result{}, stats.Stats{}, err
	}
	if res.Clamped {
		logger.Info("Warning: requested more reference genomes than available, taking all", "requested", int(math.Floor(opts.CutPoint)), "available", len(input))
	}
	if len(res.Partition.Reference) == 0 {
		logger.Info("Warning: cut value selects no reference genomes", "cut", opts.CutPoint, "genomes", len(input))
	}
	if len(res.Unmatched) > 0 {
		logger.Info("Warning: custom references not present in the input list", "count", len(res.Unmatched), "references", res.Unmatched)
	}
	if err := genome.WriteList(job.Fs, job.ReferenceOutput, res.Partition.Reference); err != nil {
		return Result{}, stats.Stats{}, fault.IO("write references", err)
	}
	if err := genome.WriteList(job.Fs, job.RemainderOutput, res.Partition.Remainder); err != nil {
		return Result{}, stats.Stats{}, fault.IO("write remainder", err)
	}
	logger.V(1).Info("Split genomes", "references", len(res.Partition.Reference), "remainder", len(res.Partition.Remainder))

	st := stats.New()
	st.Set("input", job.Input)
	st.Set("reference_output", job.ReferenceOutput)
	st.Set("remaining_output", job.RemainderOutput)
	st.Set("cut_point", opts.CutPoint)
	st.Set("seed", opts.Seed)
	st.Set("splitting_scheme", string(opts.Policy))
	st.Set("nth", opts.Nth)
	st.Set("reference_count", len(res.Partition.Reference))
	st.Set("remaining_count", len(res.Partition.Remainder))
	st.Time("total", sw.Stop())
	st.Resources = stats.PeakResources()
	return res, st, nil
}
