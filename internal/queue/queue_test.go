package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneKeyMapping(t *testing.T) {
	assert.Equal(t, "jobs:high", laneKey(PriorityHigh))
	assert.Equal(t, "jobs:default", laneKey(PriorityDefault))
	assert.Equal(t, "jobs:low", laneKey(PriorityLow))

	// unknown priorities land in the default lane rather than vanishing
	assert.Equal(t, "jobs:default", laneKey("urgent"))
	assert.Equal(t, "jobs:default", laneKey(""))
}

func TestLaneOrderPrefersHigh(t *testing.T) {
	require.Len(t, laneKeys, 3)
	assert.Equal(t, "jobs:high", laneKeys[0])
	assert.Equal(t, "jobs:low", laneKeys[2])
}

func TestJobRoundTrip(t *testing.T) {
	job := &ExtractionJob{
		JobID:    "8aa64a7e-0000-0000-0000-000000000001",
		TenantID: "tenant-1",
		AccountID: 7,
		MessageRef: DiscoveredMessageRef{
			AccountID:  7,
			MailboxUID: 4321,
			MessageID:  "<abc@mail.example>",
		},
		Priority:     PriorityHigh,
		Trigger:      "manual",
		EnqueuedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		AttemptCount: 1,
	}

	payload, err := json.Marshal(job)
	require.NoError(t, err)

	var got ExtractionJob
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, *job, got)
}
