package stats

import (
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Format selects the statistics file serialisation.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a --statistic-file-type value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported statistics format %q (want json or csv)", s)
	}
}

// Timing is wall and CPU time in seconds. The CPU fields are nil for spans
// that were not measured by a Stopwatch and are then left out of every report.
type Timing struct {
	WallTime   float64  `json:"wall_time"`
	UserTime   *float64 `json:"user_time,omitempty"`
	SystemTime *float64 `json:"system_time,omitempty"`
}

// CPU returns a timing with all three clocks set.
func CPU(wall, user, system float64) Timing {
	return Timing{WallTime: wall, UserTime: &user, SystemTime: &system}
}

// HasCPU reports whether user and system time were measured.
func (t Timing) HasCPU() bool { return t.UserTime != nil && t.SystemTime != nil }

// Resources records peak memory for the process and its children.
type Resources struct {
	MaxRSSMB float64 `json:"max_rss_MB"`
}

// Stats is the per-stage run report.
type Stats struct {
	Parameters map[string]any    `json:"parameters"`
	Timings    map[string]Timing `json:"timings"`
	Resources  Resources         `json:"resources"`
}

func New() Stats {
	return Stats{Parameters: map[string]any{}, Timings: map[string]Timing{}}
}

// Set records a scalar parameter.
func (s *Stats) Set(key string, value any) {
	if s.Parameters == nil {
		s.Parameters = map[string]any{}
	}
	s.Parameters[key] = value
}

// Time records a named timing.
func (s *Stats) Time(name string, t Timing) {
	if s.Timings == nil {
		s.Timings = map[string]Timing{}
	}
	s.Timings[name] = t
}

// Stage pairs a stage name with its stats.
type Stage struct {
	Name  string
	Stats Stats
}

// Stopwatch measures wall time and the CPU time of this process plus any
// children reaped since it started.
type Stopwatch struct {
	wall   time.Time
	user   time.Duration
	system time.Duration
}

func Start() Stopwatch {
	user, sys := cpuTimes()
	return Stopwatch{wall: time.Now(), user: user, system: sys}
}

// Stop returns the elapsed timing, rounded to 4 decimals.
func (s Stopwatch) Stop() Timing {
	user, sys := cpuTimes()
	return CPU(
		round(time.Since(s.wall).Seconds(), 4),
		round((user-s.user).Seconds(), 4),
		round((sys-s.system).Seconds(), 4),
	)
}

// WallOnly wraps a duration measured by something other than a stopwatch,
// such as a span extracted from a tool log. It carries no CPU fields.
func WallOnly(d time.Duration) Timing {
	return Timing{WallTime: round(d.Seconds(), 4)}
}

// PeakResources reads the larger of self and children max RSS.
func PeakResources() Resources {
	var self, children unix.Rusage
	_ = unix.Getrusage(unix.RUSAGE_SELF, &self)
	_ = unix.Getrusage(unix.RUSAGE_CHILDREN, &children)
	maxRSS := self.Maxrss
	if children.Maxrss > maxRSS {
		maxRSS = children.Maxrss
	}
	// ru_maxrss is in kilobytes on Linux.
	return Resources{MaxRSSMB: round(float64(maxRSS)/1000, 2)}
}

func cpuTimes() (user, system time.Duration) {
	var self, children unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &self); err != nil {
		return 0, 0
	}
	_ = unix.Getrusage(unix.RUSAGE_CHILDREN, &children)
	user = tvDuration(self.Utime) + tvDuration(children.Utime)
	system = tvDuration(self.Stime) + tvDuration(children.Stime)
	return user, system
}

func tvDuration(tv unix.Timeval) time.Duration {
	return time.Duration(tv.Nano())
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
