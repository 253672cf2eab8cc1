package registry

import (
	"database/sql"
	"time"
)

// Transition is one recorded kernel state change.
type Transition struct {
	ID       int64     `json:"id"`
	State    string    `json:"state"`
	RunID    string    `json:"run_id,omitempty"`
	PID      int       `json:"pid,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// SaveTransition appends a transition.
func (d *DB) SaveTransition(t *Transition) error {
	var code sql.NullInt64
	if t.ExitCode != nil {
		code = sql.NullInt64{Int64: int64(*t.ExitCode), Valid: true}
	}
	res, err := d.db.Exec(`
		INSERT INTO kernel_transitions (state, run_id, pid, exit_code, error, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.State, t.RunID, t.PID, code, t.Error, formatTime(t.At))
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

// ListTransitions returns the newest transitions first, at most limit.
func (d *DB) ListTransitions(limit int) ([]*Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(`
		SELECT id, state, run_id, pid, exit_code, error, at
		FROM kernel_transitions ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var t Transition
		var code sql.NullInt64
		var at string
		if err := rows.Scan(&t.ID, &t.State, &t.RunID, &t.PID, &code, &t.Error, &at); err != nil {
			return nil, err
		}
		if code.Valid {
			c := int(code.Int64)
			t.ExitCode = &c
		}
		t.At = parseTime(at)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// PruneTransitions keeps only the newest keep rows.
func (d *DB) PruneTransitions(keep int) (int64, error) {
	res, err := d.db.Exec(`
		DELETE FROM kernel_transitions WHERE id NOT IN (
			SELECT id FROM kernel_transitions ORDER BY id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
