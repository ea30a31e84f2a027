package etl

import (
	"errors"
	"fmt"
)

// ErrInvalidOptions is wrapped by every Loader configuration error.
var ErrInvalidOptions = errors.New("invalid loader options")

// FetchError aborts a run: the source could not be downloaded or read.
type FetchError struct {
	Source     string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (%s): status %d: %v", e.Source, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.Source, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TransformError describes one dropped row.
type TransformError struct {
	Shard  string
	Line   int
	Column string
	Reason string
}

func (e *TransformError) Error() string {
	loc := fmt.Sprintf("line %d", e.Line)
	if e.Shard != "" {
		loc = e.Shard + " " + loc
	}
	if e.Column != "" {
		return fmt.Sprintf("%s: column %s: %s", loc, e.Column, e.Reason)
	}
	return fmt.Sprintf("%s: %s", loc, e.Reason)
}

// UpsertError is returned by BatchUpsert when a batch aborts the call.
// Committed counts the records written by the batches before it.
type UpsertError struct {
	Table     string
	Batch     int
	Attempts  int
	Committed int
	Err       error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert into %s aborted at batch %d after %d attempt(s), %d record(s) committed: %v",
		e.Table, e.Batch, e.Attempts, e.Committed, e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }
