package stats

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"phylopack/internal/fault"
)

// StageFile points at a stats file written by one stage.
type StageFile struct {
	Name string
	Path string
}

// MergeFiles combines per-stage stats files into one report. JSON output is an
// object keyed by stage name in stage order. CSV output re-emits every row
// with a leading Stage column; the first file's header is authoritative and a
// file with a different header is rejected.
func MergeFiles(fs afero.Fs, f Format, stages []StageFile) ([]byte, error) {
	fs = orOS(fs)
	switch f {
	case FormatJSON:
		return mergeJSON(fs, stages)
	case FormatCSV:
		return mergeCSV(fs, stages)
	default:
		return nil, fault.Invalid("merge stats", "unsupported statistics format %q", f)
	}
}

func mergeJSON(fs afero.Fs, stages []StageFile) ([]byte, error) {
	docs := make([]json.RawMessage, len(stages))
	names := make([]string, len(stages))
	for i, st := range stages {
		data, err := afero.ReadFile(fs, st.Path)
		if err != nil {
			return nil, fault.IO("merge stats", err)
		}
		data = bytes.TrimSpace(data)
		if !json.Valid(data) {
			return nil, fault.Integrity("merge stats", []string{st.Name}, "stage stats are not valid JSON")
		}
		names[i], docs[i] = st.Name, data
	}
	return orderedObject(names, docs)
}

// MarshalStages encodes in-memory stages the same way MergeFiles does for JSON.
func MarshalStages(stages []Stage) ([]byte, error) {
	docs := make([]json.RawMessage, len(stages))
	names := make([]string, len(stages))
	for i, st := range stages {
		data, err := json.Marshal(st.Stats)
		if err != nil {
			return nil, err
		}
		names[i], docs[i] = st.Name, data
	}
	return orderedObject(names, docs)
}

// orderedObject writes {"name": doc, ...} keeping the given order.
func orderedObject(names []string, docs []json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(names[i])
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(docs[i])
	}
	buf.WriteByte('}')
	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func mergeCSV(fs afero.Fs, stages []StageFile) ([]byte, error) {
	var header []string
	var rows [][]string
	for _, st := range stages {
		fh, err := fs.Open(st.Path)
		if err != nil {
			return nil, fault.IO("merge stats", err)
		}
		r := csv.NewReader(fh)
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		fh.Close()
		if err != nil {
			return nil, fault.IO("merge stats", err)
		}
		if len(records) == 0 {
			continue
		}
		if header == nil {
			header = records[0]
		} else if strings.Join(records[0], ",") != strings.Join(header, ",") {
			return nil, fault.Integrity("merge stats", []string{st.Name}, "stage header %v differs from %v", records[0], header)
		}
		for _, rec := range records[1:] {
			if len(rec) != len(header) {
				return nil, fault.Integrity("merge stats", []string{st.Name}, "row has %d columns, header has %d", len(rec), len(header))
			}
			rows = append(rows, append([]string{st.Name}, rec...))
		}
	}
	if header == nil {
		header = csvHeader
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append([]string{"Stage"}, header...)); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), w.Error()
}

// MergedName names the aggregate report from the input basename and the
// resolved cut point.
func MergedName(inputBase string, target int, f Format) string {
	return inputBase + "_cut" + strconv.Itoa(target) + "_stats." + string(f)
}
