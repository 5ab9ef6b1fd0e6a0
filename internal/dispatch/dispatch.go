// Package dispatch turns discovered message references into queued
// extraction jobs. The trigger that found a message decides which lane it
// rides: operator-initiated scans jump the line, backfills wait.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"factura-ingest-go/internal/metrics"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/queue"
)

// Trigger names for extraction jobs.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerRange     = "range"
	TriggerRequeue   = "requeue"
)

// lanePriority maps a trigger to its queue lane.
func lanePriority(trigger string) string {
	switch trigger {
	case TriggerManual:
		return queue.PriorityHigh
	case TriggerRange:
		return queue.PriorityLow
	default:
		return queue.PriorityDefault
	}
}

// Dispatcher fans discovered messages out to the job queue.
type Dispatcher struct {
	queue queue.Queue
	now   func() time.Time
}

// New creates a Dispatcher.
func New(q queue.Queue) *Dispatcher {
	return &Dispatcher{queue: q, now: time.Now}
}

// Dispatch enqueues one job per discovered reference and returns how many
// were queued. A single enqueue failure aborts the batch; discovery re-runs
// are safe because the ledger deduplicates downstream.
func (d *Dispatcher) Dispatch(ctx context.Context, account *model.EmailAccount, trigger string, refs []queue.DiscoveredMessageRef) (int, error) {
	priority := lanePriority(trigger)
	for i, ref := range refs {
		job := &queue.ExtractionJob{
			JobID:      uuid.NewString(),
			TenantID:   account.TenantID,
			AccountID:  account.ID,
			MessageRef: ref,
			Priority:   priority,
			Trigger:    trigger,
			EnqueuedAt: d.now(),
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return i, fmt.Errorf("failed to dispatch message %s: %w", ref.MessageID, err)
		}
		metrics.JobsEnqueued.WithLabelValues(priority).Inc()
	}
	if len(refs) > 0 {
		logrus.Infof("Dispatched %d jobs for account %d on lane %s", len(refs), account.ID, priority)
	}
	return len(refs), nil
}

// Requeue puts a failed job back on its lane with the attempt count bumped.
// The caller decides whether the retry budget allows it.
func (d *Dispatcher) Requeue(ctx context.Context, job *queue.ExtractionJob) error {
	retry := *job
	retry.AttemptCount = job.AttemptCount + 1
	retry.EnqueuedAt = d.now()
	if err := d.queue.Enqueue(ctx, &retry); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", job.JobID, err)
	}
	metrics.JobsEnqueued.WithLabelValues(retry.Priority).Inc()
	return nil
}
