package stats

import (
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderTable prints one row per stage timing plus peak memory.
func RenderTable(w io.Writer, stages []Stage) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Stage", "Timing", "Wall (s)", "User (s)", "System (s)", "Max RSS"})
	for _, st := range stages {
		names := make([]string, 0, len(st.Stats.Timings))
		for name := range st.Stats.Timings {
			names = append(names, name)
		}
		sort.Strings(names)
		rss := humanize.Bytes(uint64(st.Stats.Resources.MaxRSSMB * 1e6))
		for _, name := range names {
			t := st.Stats.Timings[name]
			user, system := any("-"), any("-")
			if t.HasCPU() {
				user, system = *t.UserTime, *t.SystemTime
			}
			tw.AppendRow(table.Row{st.Name, name, t.WallTime, user, system, rss})
		}
	}
	tw.Render()
}
