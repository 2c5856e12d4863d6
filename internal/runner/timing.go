package runner

import (
	"bufio"
	"bytes"
	"strings"
	"time"
)

// DefaultTimestampLayout matches the "<tag> YYYY-MM-DD HH:MM:SS ..." lines
// attotree writes.
const DefaultTimestampLayout = "2006-01-02 15:04:05"

// Marker names a duration delimited by two log substrings.
type Marker struct {
	Name  string
	Start string
	End   string
}

// TimingExtractor pulls named durations out of a tool's free-text log.
type TimingExtractor interface {
	Extract(log []byte) map[string]time.Duration
}

// MarkerExtractor finds the first line containing each marker's Start and End
// substrings and subtracts their timestamps. The timestamp is the second and
// third space-separated fields of the line. Markers that are missing or
// unparsable are left out of the result.
type MarkerExtractor struct {
	Markers []Marker
	Layout  string
}

func (m MarkerExtractor) Extract(log []byte) map[string]time.Duration {
	layout := m.Layout
	if layout == "" {
		layout = DefaultTimestampLayout
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(log))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	out := make(map[string]time.Duration, len(m.Markers))
	for _, marker := range m.Markers {
		start, ok := firstTimestamp(lines, marker.Start, layout)
		if !ok {
			continue
		}
		end, ok := firstTimestamp(lines, marker.End, layout)
		if !ok {
			continue
		}
		out[marker.Name] = end.Sub(start)
	}
	return out
}

func firstTimestamp(lines []string, substr, layout string) (time.Time, bool) {
	if substr == "" {
		return time.Time{}, false
	}
	for _, line := range lines {
		if !strings.Contains(line, substr) {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) < 3 {
			return time.Time{}, false
		}
		ts, err := time.Parse(layout, parts[1]+" "+parts[2])
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}
