// Package queue implements the durable offline evidence store. Evidence
// that could not be uploaded is queued here and replayed once the backend
// recovers. Two backends exist: an embedded SQLite database (default) and
// Redis for shared-host deployments. The local capture-history cache is
// always SQLite-backed.
package queue

import (
	"context"
	"time"

	"github.com/worklens/trackengine/evidence"
	"github.com/worklens/trackengine/retry"
)

// UploadFunc replays one queued record to the remote service.
type UploadFunc func(ctx context.Context, rec *evidence.Record) error

// Store is the durable offline queue. It must survive process restart.
type Store interface {
	evidence.Queue

	// Flush replays queued records in FIFO order through upload, removing
	// each on success. It stops at the first record that cannot be
	// delivered and returns the number replayed.
	Flush(ctx context.Context, upload UploadFunc) (int, error)
	// Depth returns the number of queued records.
	Depth(ctx context.Context) (int, error)
	// Close releases the underlying store.
	Close() error
}

// replayRetryConfig bounds per-record retries during flush. Transient
// errors only; a persistent failure stops the flush and the record stays
// queued for the next recovery signal.
var replayRetryConfig = retry.Config{
	MaxAttempts:  2,
	InitialDelay: 500 * time.Millisecond,
}

// uploadWithRetry replays one record with bounded backoff.
func uploadWithRetry(ctx context.Context, upload UploadFunc, rec *evidence.Record) error {
	return retry.Do(ctx, replayRetryConfig, func() error {
		return upload(ctx, rec)
	})
}
