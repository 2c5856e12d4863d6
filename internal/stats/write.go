package stats

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/afero"

	"phylopack/internal/fault"
)

var csvHeader = []string{"Category", "Key", "Value"}

// Rows flattens stats into (category, key, value) rows: parameters sorted by
// key, then timings as "<name>.<field>", then resources. Wall-only timings
// emit just the wall_time row.
func Rows(s Stats) [][]string {
	var rows [][]string
	for _, k := range sortedKeys(s.Parameters) {
		rows = append(rows, []string{"parameter", k, scalar(s.Parameters[k])})
	}
	names := make([]string, 0, len(s.Timings))
	for name := range s.Timings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := s.Timings[name]
		rows = append(rows, []string{"timing", name + ".wall_time", formatFloat(t.WallTime)})
		if t.HasCPU() {
			rows = append(rows,
				[]string{"timing", name + ".user_time", formatFloat(*t.UserTime)},
				[]string{"timing", name + ".system_time", formatFloat(*t.SystemTime)},
			)
		}
	}
	rows = append(rows, []string{"resource", "max_rss_MB", formatFloat(s.Resources.MaxRSSMB)})
	return rows
}

// Encode writes stats in the given format.
func Encode(w io.Writer, f Format, s Stats) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		if err := cw.WriteAll(Rows(s)); err != nil {
			return err
		}
		return cw.Error()
	default:
		return fault.Invalid("write stats", "unsupported statistics format %q", f)
	}
}

// WriteFile writes stats to path on fs; a nil fs is the OS filesystem.
func WriteFile(fs afero.Fs, path string, f Format, s Stats) error {
	var buf bytes.Buffer
	if err := Encode(&buf, f, s); err != nil {
		return err
	}
	return fault.IO("write stats", afero.WriteFile(orOS(fs), path, buf.Bytes(), 0o644))
}

// FileName is the per-stage stats file name, e.g. split_stats.json.
func FileName(stage string, f Format) string {
	return fmt.Sprintf("%s_stats.%s", stage, f)
}

func orOS(fs afero.Fs) afero.Fs {
	if fs == nil {
		return afero.NewOsFs()
	}
	return fs
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
