package store

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// isTransientErr returns true for SQLite errors that resolve themselves on
// retry: BUSY, LOCKED, and the WAL short-read error modernc.org/sqlite
// surfaces under write contention.
func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryWrite executes fn, retrying up to 3 times with exponential backoff
// (200ms * 2^(n-1)) when it fails with a transient error. A non-transient
// error is returned immediately without retrying. This is the concrete
// mechanism behind the "transient-db" error kind: persistence callers that
// exhaust their retries return the error up to the dispatcher, which logs
// it and does not advance the stream cursor.
func retryWrite(fn func() error) error {
	b := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMultiplier(2),
			backoff.WithMaxInterval(1600*time.Millisecond),
			backoff.WithRandomizationFactor(0),
		),
		3,
	)

	var lastErr error
	op := func() error {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientErr(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}

	if err := backoff.Retry(op, b); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
