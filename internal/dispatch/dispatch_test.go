package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/queue"
)

type fakeQueue struct {
	jobs    []*queue.ExtractionJob
	failAt  int
	enqErr  error
	enqueue int
}

func (f *fakeQueue) Enqueue(ctx context.Context, job *queue.ExtractionJob) error {
	f.enqueue++
	if f.enqErr != nil && f.enqueue >= f.failAt {
		return f.enqErr
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeQueue) Dequeue(ctx context.Context, block time.Duration) (*queue.ExtractionJob, error) {
	return nil, nil
}

func (f *fakeQueue) Depth(ctx context.Context) (map[string]int64, error) { return nil, nil }

func testAccount() *model.EmailAccount {
	return &model.EmailAccount{TenantID: "tenant-a"}
}

func TestDispatchAssignsLaneByTrigger(t *testing.T) {
	cases := []struct {
		trigger string
		lane    string
	}{
		{TriggerManual, queue.PriorityHigh},
		{TriggerScheduled, queue.PriorityDefault},
		{TriggerRange, queue.PriorityLow},
		{TriggerRequeue, queue.PriorityDefault},
	}

	for _, tc := range cases {
		q := &fakeQueue{}
		d := New(q)
		n, err := d.Dispatch(context.Background(), testAccount(), tc.trigger, []queue.DiscoveredMessageRef{
			{MailboxUID: 7, MessageID: "<a@x>"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.Len(t, q.jobs, 1)
		assert.Equal(t, tc.lane, q.jobs[0].Priority, "trigger %s", tc.trigger)
		assert.Equal(t, tc.trigger, q.jobs[0].Trigger)
		assert.NotEmpty(t, q.jobs[0].JobID)
		assert.Equal(t, "tenant-a", q.jobs[0].TenantID)
	}
}

func TestDispatchStopsOnEnqueueFailure(t *testing.T) {
	q := &fakeQueue{failAt: 2, enqErr: errors.New("redis down")}
	d := New(q)

	refs := []queue.DiscoveredMessageRef{
		{MessageID: "<a@x>"}, {MessageID: "<b@x>"}, {MessageID: "<c@x>"},
	}
	n, err := d.Dispatch(context.Background(), testAccount(), TriggerScheduled, refs)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, q.jobs, 1)
}

func TestRequeueBumpsAttemptCount(t *testing.T) {
	q := &fakeQueue{}
	d := New(q)

	job := &queue.ExtractionJob{JobID: "j1", Priority: queue.PriorityDefault, AttemptCount: 1}
	require.NoError(t, d.Requeue(context.Background(), job))
	require.Len(t, q.jobs, 1)
	assert.Equal(t, 2, q.jobs[0].AttemptCount)
	assert.Equal(t, 1, job.AttemptCount, "original job must not be mutated")
}
