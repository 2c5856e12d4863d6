package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"phylopack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,input,output,scheme,cut_point,seed,target,status,state,workspace,retained,error,error_kind,error_keys_json,stats_file,stats_json,started_at,finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var run domain.Run
	var target sql.NullInt64
	var errText, errKind, errKeys, statsFile, statsJSON, finished sql.NullString
	var retained int
	err := row.Scan(&run.ID, &run.Input, &run.Output, &run.Scheme, &run.CutPoint, &run.Seed, &target,
		&run.Status, &run.State, &run.Workspace, &retained, &errText, &errKind, &errKeys,
		&statsFile, &statsJSON, &run.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if target.Valid {
		v := int(target.Int64)
		run.Target = &v
	}
	run.Retained = retained != 0
	run.Error = errText.String
	run.ErrorKind = errKind.String
	if errKeys.Valid && errKeys.String != "" {
		if err := json.Unmarshal([]byte(errKeys.String), &run.ErrorKeys); err != nil {
			return run, fmt.Errorf("decode error keys for run %s: %w", run.ID, err)
		}
	}
	run.StatsFile = statsFile.String
	run.StatsJSON = statsJSON.String
	if finished.Valid {
		run.FinishedAt = &finished.String
	}
	return run, nil
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,input,output,scheme,cut_point,seed,status,state,workspace,retained,started_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Input, run.Output, run.Scheme, run.CutPoint, run.Seed, run.Status, run.State, run.Workspace, boolInt(run.Retained), run.StartedAt)
	return err
}

func (r Repo) UpdateRunStateTx(ctx context.Context, tx *sql.Tx, id, state string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET state=? WHERE id=?`, state, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRunTx stores the terminal fields of a run.
func (r Repo) FinishRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	var keys any
	if len(run.ErrorKeys) > 0 {
		data, err := json.Marshal(run.ErrorKeys)
		if err != nil {
			return err
		}
		keys = string(data)
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, state=?, target=?, retained=?, error=?, error_kind=?, error_keys_json=?, stats_file=?, stats_json=?, finished_at=? WHERE id=?`,
		run.Status, run.State, nullableIntPtr(run.Target), boolInt(run.Retained), nullable(run.Error), nullable(run.ErrorKind), keys,
		nullable(run.StatsFile), nullable(run.StatsJSON), nullableStringPtr(run.FinishedAt), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// RunFilters narrow ListRuns. The cursor pair pages backwards through
// started_at/id.
type RunFilters struct {
	Status          string
	Input           string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Input != "" {
		clauses = append(clauses, "input=?")
		args = append(args, f.Input)
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListEvents returns a run's events in ascending id order after cursor.
func (r Repo) ListEvents(ctx context.Context, runID string, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,state,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var state sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &state, &e.Payload); err != nil {
			return nil, err
		}
		e.State = state.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
