package distance

import (
	"context"
	"strconv"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"phylopack/internal/genome"

	"phylopack/internal/fault"
	"phylopack/internal/runner"
)

// Params are passed through to the sketching tool.
type Params struct {
	K          int
	SketchSize int
	Threads    int
}

func (p Params) Validate() error {
	if p.K < 1 {
		return fault.Invalid("distance", "k-mer size must be >= 1, got %d", p.K)
	}
	if p.SketchSize < 1 {
		return fault.Invalid("distance", "sketch size must be >= 1, got %d", p.SketchSize)
	}
	if p.Threads < 1 {
		return fault.Invalid("distance", "thread count must be >= 1, got %d", p.Threads)
	}
	return nil
}

// Sketch is a handle to a sketch file built from a genome list.
type Sketch struct {
	Path string
	List string
}

// Provider computes sketches and query-by-reference distance matrices.
type Provider interface {
	Sketch(ctx context.Context, list, prefix string, p Params) (Sketch, error)
	// Distance writes the matrix of query rows against reference columns to out.
	Distance(ctx context.Context, ref, query Sketch, out string, threads int) error
}

// Mash shells out to the mash binary. Fs receives the captured distance
// matrix; nil means the OS filesystem.
type Mash struct {
	Runner runner.Runner
	Binary string
	Fs     afero.Fs
}

func NewMash(r runner.Runner, binary string) *Mash {
	if binary == "" {
		binary = "mash"
	}
	return &Mash{Runner: r, Binary: binary}
}

// Sketch runs `mash sketch` and returns the handle to <prefix>.msh.
func (m *Mash) Sketch(ctx context.Context, list, prefix string, p Params) (Sketch, error) {
	if err := p.Validate(); err != nil {
		return Sketch{}, err
	}
	klog.FromContext(ctx).V(1).Info("Sketching genome list", "list", list, "k", p.K, "sketchSize", p.SketchSize)
	_, err := m.Runner.Run(ctx, runner.Command{Argv: []string{
		m.Binary, "sketch",
		"-l", list,
		"-o", prefix,
		"-k", strconv.Itoa(p.K),
		"-s", strconv.Itoa(p.SketchSize),
		"-p", strconv.Itoa(p.Threads),
	}})
	if err != nil {
		return Sketch{}, err
	}
	return Sketch{Path: prefix + ".msh", List: list}, nil
}

// Distance runs `mash dist -t` with the reference sketch first so reference
// labels form the header row.
func (m *Mash) Distance(ctx context.Context, ref, query Sketch, out string, threads int) error {
	f, err := genome.OrOS(m.Fs).Create(out)
	if err != nil {
		return fault.IO("create distance matrix", err)
	}
	klog.FromContext(ctx).V(1).Info("Computing distances", "reference", ref.Path, "query", query.Path)
	_, runErr := m.Runner.Run(ctx, runner.Command{
		Argv: []string{
			m.Binary, "dist",
			ref.Path, query.Path,
			"-p", strconv.Itoa(threads),
			"-t",
		},
		Stdout: f,
	})
	closeErr := f.Close()
	if runErr != nil {
		return runErr
	}
	return fault.IO("write distance matrix", closeErr)
}
