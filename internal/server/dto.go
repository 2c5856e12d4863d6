package server

import (
	"encoding/json"

	"phylopack/internal/domain"
)

type RunResponse struct {
	ID         string         `json:"id"`
	Input      string         `json:"input"`
	Output     string         `json:"output"`
	Scheme     string         `json:"splitting_scheme" enum:"random,nth-accession,custom"`
	CutPoint   float64        `json:"cut_point"`
	Seed       int64          `json:"seed"`
	Target     *int           `json:"target,omitempty"`
	Status     string         `json:"status" enum:"running,succeeded,failed"`
	State      string         `json:"state"`
	Workspace  string         `json:"workspace"`
	Retained   bool           `json:"retained"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	ErrorKeys  []string       `json:"error_keys,omitempty"`
	StatsFile  string         `json:"stats_file,omitempty"`
	Stats      map[string]any `json:"stats,omitempty" jsonschema:"type=object,additionalProperties=true"`
	StartedAt  string         `json:"started_at" format:"date-time"`
	FinishedAt *string        `json:"finished_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type" enum:"run.started,run.state,run.succeeded,run.failed"`
	RunID   string         `json:"run_id"`
	State   string         `json:"state,omitempty"`
	Payload map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedRuns struct {
	Items      []RunResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		Input:      r.Input,
		Output:     r.Output,
		Scheme:     r.Scheme,
		CutPoint:   r.CutPoint,
		Seed:       r.Seed,
		Target:     r.Target,
		Status:     r.Status,
		State:      r.State,
		Workspace:  r.Workspace,
		Retained:   r.Retained,
		Error:      r.Error,
		ErrorKind:  r.ErrorKind,
		ErrorKeys:  r.ErrorKeys,
		StatsFile:  r.StatsFile,
		Stats:      decodeJSONMap(r.StatsJSON),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := decodeJSONMap(e.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		RunID:   e.RunID,
		State:   e.State,
		Payload: payload,
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{"raw": raw}
	}
	return m
}
