package pipeline

import (
	"strings"

	"phylopack/internal/distance"
	"phylopack/internal/fault"
	"phylopack/internal/partition"
	"phylopack/internal/runner"
	"phylopack/internal/stats"
	"phylopack/internal/tree"
)

// StatsOptions control the merged statistics report.
type StatsOptions struct {
	Enabled bool
	// Format is passed to every stage so per-stage files always merge.
	Format stats.Format
	// Textfile, when set, receives Prometheus gauges for each stage.
	Textfile string
}

// WorkspacePolicy controls where the scratch directory lives and when it is kept.
type WorkspacePolicy struct {
	UniqueDebugDir   bool
	CleanupOnFailure bool
	TempRoot         string
}

// PreorderConfig is everything one preorder run needs.
type PreorderConfig struct {
	Input  string
	Output string

	Partition partition.Options
	// Seed overrides Partition.Seed when set; when nil the run start time is used.
	Seed *int64
	// CustomReference is the reference list file for the custom scheme.
	CustomReference string

	Tree      tree.Params
	Placement distance.Params

	// LogMarkers locate phase timings in the tree builder log.
	LogMarkers      []runner.Marker
	TimestampLayout string

	Stats     StatsOptions
	Debug     bool
	Workspace WorkspacePolicy
}

// Validate rejects bad parameters before any file is touched.
func (c PreorderConfig) Validate() error {
	if strings.TrimSpace(c.Input) == "" {
		return fault.Invalid("preorder", "input genome list is required")
	}
	if strings.TrimSpace(c.Output) == "" {
		return fault.Invalid("preorder", "output path is required")
	}
	if err := c.Partition.Validate(); err != nil {
		return err
	}
	if c.Partition.Policy == partition.Custom && c.CustomReference == "" && len(c.Partition.Custom) == 0 {
		return fault.Invalid("preorder", "--custom-ref is required for the custom scheme")
	}
	if err := c.Tree.Validate(); err != nil {
		return err
	}
	if err := c.Placement.Validate(); err != nil {
		return err
	}
	if c.Stats.Enabled {
		if _, err := stats.ParseFormat(string(c.Stats.Format)); err != nil {
			return fault.Invalid("preorder", "%v", err)
		}
	}
	return nil
}
