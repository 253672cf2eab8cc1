package fetch

import (
	"context"
	"fmt"
	"io"

	"github.com/go-resty/resty/v2"
)

// HTTPSource downloads an archive over http(s).
type HTTPSource struct {
	URL    string
	Client *resty.Client
}

func (s *HTTPSource) Name() string     { return s.URL }
func (s *HTTPSource) Kind() string     { return "http" }
func (s *HTTPSource) Filename() string { return urlFilename(s.URL) }

// Fetch streams the response body into w.
func (s *HTTPSource) Fetch(ctx context.Context, w io.Writer, progress func(raw float64)) (int64, error) {
	resp, err := s.Client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(s.URL)
	if err != nil {
		return 0, fmt.Errorf("%w: GET %s: %w", ErrNetwork, s.URL, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return 0, fmt.Errorf("%w: GET %s: %s", ErrNetwork, s.URL, resp.Status())
	}

	var total int64 = -1
	if resp.RawResponse != nil {
		total = resp.RawResponse.ContentLength
	}
	if progress != nil {
		progress(0)
	}

	cw := &countingWriter{w: w, total: total, progress: progress}
	n, err := io.Copy(cw, body)
	if err != nil {
		return n, fmt.Errorf("%w: read %s: %w", ErrNetwork, s.URL, err)
	}
	if total > 0 && n != total {
		return n, fmt.Errorf("%w: %s: short body %d of %d bytes", ErrNetwork, s.URL, n, total)
	}
	if progress != nil {
		progress(100)
	}
	return n, nil
}

// countingWriter reports progress on each whole-percent change.
type countingWriter struct {
	w        io.Writer
	n        int64
	total    int64
	lastPct  int
	progress func(raw float64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if c.progress != nil && c.total > 0 {
		pct := int(c.n * 100 / c.total)
		if pct > c.lastPct {
			c.lastPct = pct
			c.progress(float64(pct))
		}
	}
	return n, err
}
