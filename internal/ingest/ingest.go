// Package ingest feeds frames into the engine from REST, Kafka, TCP and recorded
// files.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"examguard/internal/model"
)

// SendNonBlocking enqueues f or drops it when the queue is full. Network sources
// use it so a slow pipeline pushes back on clients instead of buffering unbounded.
func SendNonBlocking(ctx context.Context, out chan<- model.Frame, f model.Frame, logger *slog.Logger) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("frame channel full, dropping frame", "session_id", f.SessionID, "timestamp", f.Timestamp, "source", f.Source)
		}
		return false
	}
}

// Send blocks until f is enqueued or ctx is done.
func Send(ctx context.Context, out chan<- model.Frame, f model.Frame) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
