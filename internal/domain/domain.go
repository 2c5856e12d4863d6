package domain

// Run is one recorded preorder invocation.
type Run struct {
	ID         string   `json:"id"`
	Input      string   `json:"input"`
	Output     string   `json:"output"`
	Scheme     string   `json:"splitting_scheme" enum:"random,nth-accession,custom"`
	CutPoint   float64  `json:"cut_point"`
	Seed       int64    `json:"seed"`
	Target     *int     `json:"target,omitempty"`
	Status     string   `json:"status" enum:"running,succeeded,failed"`
	State      string   `json:"state"`
	Workspace  string   `json:"workspace"`
	Retained   bool     `json:"retained"`
	Error      string   `json:"error,omitempty"`
	ErrorKind  string   `json:"error_kind,omitempty"`
	ErrorKeys  []string `json:"error_keys,omitempty"`
	StatsFile  string   `json:"stats_file,omitempty"`
	StatsJSON  string   `json:"stats_json,omitempty"`
	StartedAt  string   `json:"started_at" format:"date-time"`
	FinishedAt *string  `json:"finished_at,omitempty" format:"date-time"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	State   string `json:"state,omitempty"`
	Payload string `json:"payload_json"`
}
