package placement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phylopack/internal/distance"
	"phylopack/internal/fault"
	"phylopack/internal/genome"
)

func TestArgminLowestIndexWinsTies(t *testing.T) {
	assert.Equal(t, 1, Argmin([]float64{0.9, 0.2, 0.2}))
	assert.Equal(t, 0, Argmin([]float64{0.1, 0.1, 0.1}))
	assert.Equal(t, 2, Argmin([]float64{0.3, 0.2, 0.2 - 1e-12}))
	assert.Equal(t, 0, Argmin([]float64{0}))
	assert.Equal(t, -1, Argmin(nil))
}

func matrix(rows, cols []string, values ...[]float64) distance.Matrix {
	return distance.Matrix{Rows: rows, Columns: cols, Values: values}
}

func TestAssignGroupsInQueryOrder(t *testing.T) {
	refs := genome.List{"/r/A.fa", "/r/B.fa", "/r/C.fa"}
	queries := genome.List{"/q/q3.fa", "/q/q1.fa", "/q/q2.fa", "/q/q4.fa"}
	// matrix rows deliberately in a different order from the query list
	m := matrix(
		[]string{"q1", "q2", "q3", "q4"},
		[]string{"A", "B", "C"},
		[]float64{0.9, 0.2, 0.2},
		[]float64{0.1, 0.5, 0.5},
		[]float64{0.4, 0.3, 0.7},
		[]float64{0.8, 0.8, 0.01},
	)
	a, err := Assign(queries, refs, m)
	require.NoError(t, err)
	assert.Equal(t, []string{"q2"}, a.Group("A"))
	assert.Equal(t, []string{"q3", "q1"}, a.Group("B"))
	assert.Equal(t, []string{"q4"}, a.Group("C"))
	assert.Equal(t, []string{"A", "q2", "B", "q3", "q1", "C", "q4"}, a.Order())
}

func TestAssignEveryQueryExactlyOnce(t *testing.T) {
	refs := genome.List{"R0", "R1", "R2", "R3"}
	var queries genome.List
	var rows []string
	var values [][]float64
	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("Q%02d", i)
		queries = append(queries, genome.Record(key))
		rows = append(rows, key)
		values = append(values, []float64{float64(i % 3), float64(i % 5), float64(i % 7), 1})
	}
	a, err := Assign(queries, refs, distance.Matrix{Rows: rows, Columns: refs.Keys(), Values: values})
	require.NoError(t, err)

	seen := map[string]int{}
	for col, ref := range a.References {
		for _, q := range a.Group(ref) {
			seen[q]++
			var r int
			fmt.Sscanf(q, "Q%d", &r)
			assert.Equal(t, Argmin(values[r]), col, q)
		}
	}
	assert.Len(t, seen, 40)
	for q, n := range seen {
		assert.Equal(t, 1, n, q)
	}
	order := a.Order()
	assert.Equal(t, "R0", order[0])
	assert.Len(t, order, len(refs)+len(queries))
}

func TestAssignMissingQueryIsIntegrityViolation(t *testing.T) {
	refs := genome.List{"A", "B"}
	m := matrix([]string{"q1"}, []string{"A", "B"}, []float64{0.1, 0.2})
	_, err := Assign(genome.List{"q1", "q2"}, refs, m)
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fault.IntegrityViolation, fe.Kind)
	assert.Equal(t, []string{"q2"}, fe.Keys)
}

func TestAssignDuplicateRows(t *testing.T) {
	refs := genome.List{"A"}
	m := matrix([]string{"q1", "q1"}, []string{"A"}, []float64{0.1}, []float64{0.2})
	_, err := Assign(genome.List{"q1"}, refs, m)
	assert.True(t, errors.Is(err, fault.ErrIntegrity))
}

func TestAssignColumnMismatch(t *testing.T) {
	m := matrix([]string{"q1"}, []string{"B", "A"}, []float64{0.1, 0.2})
	_, err := Assign(genome.List{"q1"}, genome.List{"A", "B"}, m)
	assert.True(t, errors.Is(err, fault.ErrIntegrity))
}

// tableProvider writes a matrix computed from a per-pair distance table.
type tableProvider struct {
	dist     func(query, ref string) float64
	sketches []string
	omit     string
}

func (p *tableProvider) Sketch(_ context.Context, list, prefix string, _ distance.Params) (distance.Sketch, error) {
	p.sketches = append(p.sketches, list)
	return distance.Sketch{Path: prefix + ".msh", List: list}, nil
}

func (p *tableProvider) Distance(_ context.Context, ref, query distance.Sketch, out string, _ int) error {
	refs, err := genome.ReadList(nil, ref.List)
	if err != nil {
		return err
	}
	queries, err := genome.ReadList(nil, query.List)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("#query")
	for _, r := range refs {
		b.WriteString("\t" + string(r))
	}
	b.WriteString("\n")
	for _, q := range queries {
		if q.Key() == p.omit {
			continue
		}
		b.WriteString(string(q))
		for _, r := range refs {
			fmt.Fprintf(&b, "\t%g", p.dist(q.Key(), r.Key()))
		}
		b.WriteString("\n")
	}
	return os.WriteFile(out, []byte(b.String()), 0o644)
}

func writeList(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, genome.WriteLines(nil, path, lines))
}

func TestEngineRun(t *testing.T) {
	dir := t.TempDir()
	writeList(t, filepath.Join(dir, "remains.txt"), "/g/Q1.fa", "/g/Q2.fa", "/g/Q3.fa")
	writeList(t, filepath.Join(dir, "leaf_order.txt"), "/g/R2.fa", "/g/R1.fa")

	p := &tableProvider{dist: func(q, r string) float64 {
		if q == "Q2" && r == "R1" {
			return 0.01
		}
		return 0.1
	}}
	e := &Engine{Provider: p, Params: distance.Params{K: 21, SketchSize: 1000, Threads: 2}}
	job := Job{
		Queries:     filepath.Join(dir, "remains.txt"),
		References:  filepath.Join(dir, "leaf_order.txt"),
		WorkDir:     dir,
		OrderOutput: filepath.Join(dir, "placement_order.txt"),
	}
	res, st, err := e.Run(context.Background(), job)
	require.NoError(t, err)

	// ties go to R2, the first reference in leaf order
	assert.Equal(t, []string{"R2", "Q1", "Q3", "R1", "Q2"}, res.Order)
	data, err := os.ReadFile(job.OrderOutput)
	require.NoError(t, err)
	assert.Equal(t, "R2\nQ1\nQ3\nR1\nQ2\n", string(data))
	assert.Equal(t, []string{job.Queries, job.References}, p.sketches)
	for _, name := range []string{"sketch_list_1", "sketch_list_2", "mash_distance", "grouping", "total"} {
		assert.Contains(t, st.Timings, name)
	}
	assert.Equal(t, 3, st.Parameters["query_count"])
}

func TestEngineRunMissingRow(t *testing.T) {
	dir := t.TempDir()
	writeList(t, filepath.Join(dir, "q.txt"), "Q1", "Q2")
	writeList(t, filepath.Join(dir, "r.txt"), "R1")
	e := &Engine{
		Provider: &tableProvider{dist: func(string, string) float64 { return 0.5 }, omit: "Q2"},
		Params:   distance.Params{K: 21, SketchSize: 100, Threads: 1},
	}
	_, _, err := e.Run(context.Background(), Job{
		Queries:     filepath.Join(dir, "q.txt"),
		References:  filepath.Join(dir, "r.txt"),
		WorkDir:     dir,
		OrderOutput: filepath.Join(dir, "out.txt"),
	})
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fault.IntegrityViolation, fe.Kind)
	assert.Equal(t, []string{"Q2"}, fe.Keys)
}

func TestEngineRunNoQueries(t *testing.T) {
	dir := t.TempDir()
	writeList(t, filepath.Join(dir, "q.txt"))
	writeList(t, filepath.Join(dir, "r.txt"), "R1", "R2")
	p := &tableProvider{dist: func(string, string) float64 { return 0 }}
	e := &Engine{Provider: p, Params: distance.Params{K: 21, SketchSize: 100, Threads: 1}}
	res, _, err := e.Run(context.Background(), Job{
		Queries:     filepath.Join(dir, "q.txt"),
		References:  filepath.Join(dir, "r.txt"),
		WorkDir:     dir,
		OrderOutput: filepath.Join(dir, "out.txt"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2"}, res.Order)
	assert.Empty(t, p.sketches)
}
