package registry

import "time"

// SubscriptionFetch records one subscription download attempt.
type SubscriptionFetch struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Bytes     int64     `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SaveSubscriptionFetch inserts a fetch record and sets its ID.
func (d *DB) SaveSubscriptionFetch(f *SubscriptionFetch) error {
	res, err := d.db.Exec(`
		INSERT INTO subscriptions (url, bytes, error, fetched_at) VALUES (?, ?, ?, ?)
	`, f.URL, f.Bytes, f.Error, formatTime(f.FetchedAt))
	if err != nil {
		return err
	}
	f.ID, err = res.LastInsertId()
	return err
}

// LastSubscriptionFetch returns the newest fetch record, successful or not,
// or nil when there is none.
func (d *DB) LastSubscriptionFetch() (*SubscriptionFetch, error) {
	rows, err := d.db.Query(`
		SELECT id, url, bytes, error, fetched_at FROM subscriptions ORDER BY id DESC LIMIT 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var f SubscriptionFetch
	var fetched string
	if err := rows.Scan(&f.ID, &f.URL, &f.Bytes, &f.Error, &fetched); err != nil {
		return nil, err
	}
	f.FetchedAt = parseTime(fetched)
	return &f, nil
}
