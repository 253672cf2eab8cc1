package registry

import (
	"database/sql"
	"time"
)

// Install records one kernel fetch-and-install run.
type Install struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	Source     string    `json:"source,omitempty"`
	BinaryPath string    `json:"binary_path,omitempty"`
	Bytes      int64     `json:"bytes"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Succeeded reports whether the install completed.
func (i *Install) Succeeded() bool { return i.Error == "" }

// SaveInstall inserts an install record.
func (d *DB) SaveInstall(in *Install) error {
	_, err := d.db.Exec(`
		INSERT INTO installs (id, version, source, binary_path, bytes, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, in.ID, in.Version, in.Source, in.BinaryPath, in.Bytes, in.Error, formatTime(in.CreatedAt))
	return err
}

// LatestInstall returns the most recent successful install, or nil.
func (d *DB) LatestInstall() (*Install, error) {
	row := d.db.QueryRow(`
		SELECT id, version, source, binary_path, bytes, error, created_at
		FROM installs WHERE error = '' ORDER BY rowid DESC LIMIT 1
	`)
	in, err := scanInstall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return in, err
}

// ListInstalls returns up to limit installs, newest first. limit <= 0
// returns all.
func (d *DB) ListInstalls(limit int) ([]*Install, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.Query(`
		SELECT id, version, source, binary_path, bytes, error, created_at
		FROM installs ORDER BY rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Install
	for rows.Next() {
		in, err := scanInstall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstall(s scanner) (*Install, error) {
	var in Install
	var created string
	if err := s.Scan(&in.ID, &in.Version, &in.Source, &in.BinaryPath, &in.Bytes, &in.Error, &created); err != nil {
		return nil, err
	}
	in.CreatedAt = parseTime(created)
	return &in, nil
}
