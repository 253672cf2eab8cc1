// Package fetch downloads release artifacts from an ordered list of sources
// and extracts them into a target directory.
package fetch

import "errors"

var (
	// ErrNetwork is returned by a source when the remote end could not be
	// reached or answered with a non-success status.
	ErrNetwork = errors.New("network error")

	// ErrAllSourcesFailed is returned when every candidate source failed.
	// The per-source causes are joined into the wrapped error.
	ErrAllSourcesFailed = errors.New("all sources failed")

	// ErrExtractFailed is returned when the downloaded archive could not be
	// unpacked.
	ErrExtractFailed = errors.New("extract failed")

	// ErrNotDirectory is returned when the extract path exists but is not a
	// directory.
	ErrNotDirectory = errors.New("extract path is not a directory")
)
