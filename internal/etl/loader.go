package etl

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/BartekS5/opendata-import/pkg/logger"
	"github.com/BartekS5/opendata-import/pkg/models"
	"github.com/BartekS5/opendata-import/pkg/store"
)

// Options controls batching and the retry policy of a Loader.
type Options struct {
	BatchSize  int
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps every wait, server hints included. Zero means no cap.
	MaxDelay   time.Duration
	BatchPause time.Duration
}

func (o Options) validate() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidOptions, o.BatchSize)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidOptions, o.MaxRetries)
	}
	if o.BaseDelay < 0 || o.MaxDelay < 0 || o.BatchPause < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidOptions)
	}
	return nil
}

// Loader splits records into batches and writes them one after another,
// retrying transient failures with capped exponential backoff.
type Loader struct {
	store  Store
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

type LoaderOption func(*Loader)

// WithSleep replaces the wait between attempts and batches.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) LoaderOption {
	return func(l *Loader) { l.sleep = fn }
}

// WithJitter replaces the randomisation applied to each backoff delay.
func WithJitter(fn func(d time.Duration) time.Duration) LoaderOption {
	return func(l *Loader) { l.jitter = fn }
}

func NewLoader(s Store, opts Options, options ...LoaderOption) (*Loader, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidOptions)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	l := &Loader{store: s, opts: opts, sleep: sleepContext, jitter: equalJitter}
	for _, o := range options {
		o(l)
	}
	return l, nil
}

func (l *Loader) BatchSize() int { return l.opts.BatchSize }

// BatchUpsert writes records in batches of at most BatchSize, in order. The
// first batch that fails permanently or runs out of retries aborts the call;
// later batches are never sent and the result reports what was committed.
func (l *Loader) BatchUpsert(ctx context.Context, table string, records []models.Record, key models.ConflictKey) (models.UpsertResult, error) {
	result := models.UpsertResult{Table: table}

	if len(key) == 0 {
		err := fmt.Errorf("%w: conflict key must name at least one column", ErrInvalidOptions)
		result.Err = err
		return result, err
	}
	if len(records) == 0 {
		return result, nil
	}
	if err := NewValidator(key, nil).ValidateRecords(records); err != nil {
		err = &store.PermanentError{Op: "validate " + table, Err: err}
		result.Err = err
		return result, err
	}

	batches := Partition(records, l.opts.BatchSize)
	result.TotalBatches = len(batches)
	total := len(batches)

	for i, b := range batches {
		if i > 0 && l.opts.BatchPause > 0 {
			if err := l.sleep(ctx, l.opts.BatchPause); err != nil {
				return l.abort(&result, b, 0, err)
			}
		}

		attempts, err := l.upsertWithRetry(ctx, table, b, key, total, &result)
		if err != nil {
			return l.abort(&result, b, attempts, err)
		}

		result.Committed += len(b.Records)
		result.BatchesCommitted++
		logger.Info("batch committed",
			"table", table,
			"batch", fmt.Sprintf("%d/%d", b.Number, total),
			"rows", len(b.Records),
			"attempts", attempts,
		)
	}

	return result, nil
}

func (l *Loader) abort(result *models.UpsertResult, b models.Batch, attempts int, err error) (models.UpsertResult, error) {
	uerr := &UpsertError{
		Table:     result.Table,
		Batch:     b.Number,
		Attempts:  attempts,
		Committed: result.Committed,
		Err:       err,
	}
	result.FailedBatch = b.Number
	result.Attempts = attempts
	result.Err = uerr
	logger.Error("batch failed",
		"table", result.Table,
		"batch", fmt.Sprintf("%d/%d", b.Number, result.TotalBatches),
		"rows", len(b.Records),
		"attempts", attempts,
		"committed", result.Committed,
		"error", err,
	)
	return *result, uerr
}

// upsertWithRetry makes at most MaxRetries+1 attempts and returns how many it used.
func (l *Loader) upsertWithRetry(ctx context.Context, table string, b models.Batch, key models.ConflictKey, total int, result *models.UpsertResult) (int, error) {
	for attempt := 0; ; attempt++ {
		result.Requests++
		err := l.store.Upsert(ctx, table, b.Records, key)
		if err == nil {
			return attempt + 1, nil
		}
		if !store.IsTransient(err) || attempt >= l.opts.MaxRetries {
			return attempt + 1, err
		}

		delay := l.backoff(attempt, store.RetryAfter(err))
		logger.Warn("batch attempt failed, retrying",
			"table", table,
			"batch", fmt.Sprintf("%d/%d", b.Number, total),
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if serr := l.sleep(ctx, delay); serr != nil {
			return attempt + 1, fmt.Errorf("%w (last error: %v)", serr, err)
		}
	}
}

// backoff returns the wait before retry number attempt (0-based):
// min(BaseDelay*2^attempt, MaxDelay), jittered, raised to the server hint,
// capped by MaxDelay again.
func (l *Loader) backoff(attempt int, hint time.Duration) time.Duration {
	d := l.opts.BaseDelay
	for i := 0; i < attempt; i++ {
		if l.opts.MaxDelay > 0 && d >= l.opts.MaxDelay {
			break
		}
		// Without a cap the doubling saturates instead of overflowing.
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if l.opts.MaxDelay > 0 && d > l.opts.MaxDelay {
		d = l.opts.MaxDelay
	}
	d = l.jitter(d)
	if hint > d {
		d = hint
	}
	if l.opts.MaxDelay > 0 && d > l.opts.MaxDelay {
		d = l.opts.MaxDelay
	}
	return d
}

// Partition splits records into consecutive batches of at most size records.
func Partition(records []models.Record, size int) []models.Batch {
	if size <= 0 || len(records) == 0 {
		return nil
	}
	batches := make([]models.Batch, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, models.Batch{Number: len(batches) + 1, Records: records[start:end]})
	}
	return batches
}

// equalJitter keeps half of d and randomises the other half.
func equalJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
