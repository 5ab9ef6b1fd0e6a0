// Package queue is the internal boundary between discovery fan-out and the
// extraction workers: three Redis lanes with at-least-once delivery.
// Consumers must be idempotent; the ledger guarantees that.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Priority lanes, drained strictly high before default before low.
const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
)

// laneKeys in BRPOP order; Redis checks keys left to right, which is what
// gives high-lane jobs preference under constrained capacity.
var laneKeys = []string{"jobs:" + PriorityHigh, "jobs:" + PriorityDefault, "jobs:" + PriorityLow}

// DiscoveredMessageRef identifies one candidate message found by discovery.
// Transient: it lives only as long as the job that carries it.
type DiscoveredMessageRef struct {
	AccountID  uint   `json:"account_id"`
	MailboxUID uint32 `json:"mailbox_uid"`
	MessageID  string `json:"message_id"`
}

// ExtractionJob is one unit of work: extract one message for one tenant.
type ExtractionJob struct {
	JobID        string               `json:"job_id"`
	TenantID     string               `json:"tenant_id"`
	AccountID    uint                 `json:"account_id"`
	MessageRef   DiscoveredMessageRef `json:"message_ref"`
	Priority     string               `json:"priority"`
	Trigger      string               `json:"trigger"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
	AttemptCount int                  `json:"attempt_count"`
}

// Queue is the job transport between dispatcher and workers.
type Queue interface {
	Enqueue(ctx context.Context, job *ExtractionJob) error
	// Dequeue blocks up to block for a job across the lanes; returns nil when
	// none arrived.
	Dequeue(ctx context.Context, block time.Duration) (*ExtractionJob, error)
	// Depth returns the number of waiting jobs per lane.
	Depth(ctx context.Context) (map[string]int64, error)
}

// RedisQueue implements Queue on Redis lists.
type RedisQueue struct{ rdb *r.Client }

// New creates a RedisQueue.
func New(rdb *r.Client) *RedisQueue { return &RedisQueue{rdb} }

func laneKey(priority string) string {
	switch priority {
	case PriorityHigh, PriorityDefault, PriorityLow:
		return "jobs:" + priority
	}
	return "jobs:" + PriorityDefault
}

// Enqueue pushes the JSON-encoded job onto its lane.
func (q *RedisQueue) Enqueue(ctx context.Context, job *ExtractionJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
	}
	if err := q.rdb.LPush(ctx, laneKey(job.Priority), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}
	return nil
}

// Dequeue pops one job, preferring the high lane.
func (q *RedisQueue) Dequeue(ctx context.Context, block time.Duration) (*ExtractionJob, error) {
	res, err := q.rdb.BRPop(ctx, block, laneKeys...).Result()
	if err != nil {
		if errors.Is(err, r.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if len(res) != 2 {
		return nil, nil
	}

	var job ExtractionJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	return &job, nil
}

// Depth reports per-lane backlog, used by metrics and the status endpoint.
func (q *RedisQueue) Depth(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(laneKeys))
	for _, lane := range []string{PriorityHigh, PriorityDefault, PriorityLow} {
		n, err := q.rdb.LLen(ctx, laneKey(lane)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read lane depth: %w", err)
		}
		out[lane] = n
	}
	return out, nil
}
