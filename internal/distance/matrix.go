package distance

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"phylopack/internal/fault"
	"phylopack/internal/genome"
)

// Matrix holds query-by-reference distances. Rows and Columns are identity keys.
type Matrix struct {
	Rows    []string
	Columns []string
	Values  [][]float64
}

// ReadMatrix parses a matrix file written by a Provider.
func ReadMatrix(fs afero.Fs, path string) (Matrix, error) {
	f, err := genome.OrOS(fs).Open(path)
	if err != nil {
		return Matrix{}, fault.IO("read distance matrix", err)
	}
	defer f.Close()
	return ParseMatrix(f)
}

// ParseMatrix reads a tab-separated matrix: a header row whose first cell is
// ignored followed by reference labels, then one row per query led by its
// label. Labels may be paths; they are reduced to keys.
func ParseMatrix(r io.Reader) (Matrix, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Matrix{}, fault.Integrity("parse distance matrix", nil, "matrix is empty")
	}
	if err != nil {
		return Matrix{}, fault.IO("parse distance matrix", err)
	}
	if len(header) < 2 {
		return Matrix{}, fault.Integrity("parse distance matrix", nil, "header has no reference columns")
	}
	m := Matrix{Columns: make([]string, 0, len(header)-1)}
	for _, label := range header[1:] {
		m.Columns = append(m.Columns, genome.Key(label))
	}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Matrix{}, fault.IO("parse distance matrix", err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) != len(header) {
			return Matrix{}, fault.Integrity("parse distance matrix", []string{genome.Key(rec[0])},
				"line %d has %d distances, want %d", line, len(rec)-1, len(m.Columns))
		}
		row := make([]float64, len(rec)-1)
		for i, cell := range rec[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil || math.IsNaN(v) || v < 0 {
				return Matrix{}, fault.Integrity("parse distance matrix", []string{genome.Key(rec[0])},
					"line %d column %d: invalid distance %q", line, i+1, cell)
			}
			row[i] = v
		}
		m.Rows = append(m.Rows, genome.Key(rec[0]))
		m.Values = append(m.Values, row)
	}
	return m, nil
}

// Reorder returns a copy whose columns follow order. Every key in order must
// be a column; extra columns are dropped.
func (m Matrix) Reorder(order []string) (Matrix, error) {
	index := make(map[string]int, len(m.Columns))
	var dup []string
	for i, c := range m.Columns {
		if _, ok := index[c]; ok {
			dup = append(dup, c)
			continue
		}
		index[c] = i
	}
	if len(dup) > 0 {
		return Matrix{}, fault.Integrity("reorder distance matrix", dup, "duplicate reference columns")
	}
	perm := make([]int, len(order))
	var missing []string
	for i, key := range order {
		j, ok := index[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		perm[i] = j
	}
	if len(missing) > 0 {
		return Matrix{}, fault.Integrity("reorder distance matrix", missing, "references missing from distance matrix")
	}
	out := Matrix{
		Rows:    append([]string(nil), m.Rows...),
		Columns: append([]string(nil), order...),
		Values:  make([][]float64, len(m.Values)),
	}
	for r, row := range m.Values {
		nr := make([]float64, len(perm))
		for i, j := range perm {
			nr[i] = row[j]
		}
		out.Values[r] = nr
	}
	return out, nil
}
