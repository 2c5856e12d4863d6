package placement

import (
	"phylopack/internal/distance"
	"phylopack/internal/fault"
	"phylopack/internal/genome"
)

// Argmin returns the index of the smallest value. Exact ties keep the lowest
// index. An empty row returns -1.
func Argmin(row []float64) int {
	best := -1
	for i, v := range row {
		if best < 0 || v < row[best] {
			best = i
		}
	}
	return best
}

// Assignment groups query keys under reference keys.
type Assignment struct {
	// References is the reference axis in the supplied order.
	References []string
	// Groups maps a reference key to query keys in query-list order.
	Groups map[string][]string
}

// Group returns the queries assigned to ref.
func (a Assignment) Group(ref string) []string {
	return a.Groups[ref]
}

// Order is the combined order: each reference key followed by its group.
func (a Assignment) Order() []string {
	var out []string
	for _, ref := range a.References {
		out = append(out, ref)
		out = append(out, a.Groups[ref]...)
	}
	return out
}

// Assign places every query at the column of its row's minimum. The matrix
// must already be ordered like references. Missing or duplicated query rows
// are integrity violations.
func Assign(queries, references genome.List, m distance.Matrix) (Assignment, error) {
	refKeys := references.Keys()
	if len(m.Columns) != len(refKeys) {
		return Assignment{}, fault.Integrity("assign", nil,
			"distance matrix has %d reference columns, want %d", len(m.Columns), len(refKeys))
	}
	for i, key := range refKeys {
		if m.Columns[i] != key {
			return Assignment{}, fault.Integrity("assign", []string{key}, "reference column %d is %q", i, m.Columns[i])
		}
	}

	rowOf := make(map[string]int, len(m.Rows))
	var dup []string
	for i, key := range m.Rows {
		if _, ok := rowOf[key]; ok {
			dup = append(dup, key)
			continue
		}
		rowOf[key] = i
	}
	if len(dup) > 0 {
		return Assignment{}, fault.Integrity("assign", dup, "query appears more than once in the distance matrix")
	}

	a := Assignment{References: refKeys, Groups: make(map[string][]string, len(refKeys))}
	var missing []string
	for _, key := range queries.Keys() {
		r, ok := rowOf[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		col := Argmin(m.Values[r])
		if col < 0 {
			missing = append(missing, key)
			continue
		}
		ref := refKeys[col]
		a.Groups[ref] = append(a.Groups[ref], key)
	}
	if len(missing) > 0 {
		return Assignment{}, fault.Integrity("assign", missing, "queries without a distance row")
	}
	if len(m.Rows) < len(queries) {
		return Assignment{}, fault.Integrity("assign", nil,
			"distance matrix has %d rows for %d queries", len(m.Rows), len(queries))
	}
	return a, nil
}
