package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWakeMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"tenant_id":"shop","job_ids":["6f1c1c3e-4b0e-4f55-9a53-2f0e7c1d8a10"]}`, false},
		{"malformed json", `{"tenant_id":`, true},
		{"missing tenant", `{"job_ids":["6f1c1c3e-4b0e-4f55-9a53-2f0e7c1d8a10"]}`, true},
		{"no jobs", `{"tenant_id":"shop","job_ids":[]}`, true},
		{"job id is not a uuid", `{"tenant_id":"shop","job_ids":["job-1"]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseWakeMessage([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "shop", msg.TenantID)
		})
	}
}

type recordingPublisher struct {
	bodies [][]byte
}

func (p *recordingPublisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	p.bodies = append(p.bodies, body)
	return nil
}

func TestWakePublisher(t *testing.T) {
	pub := &recordingPublisher{}
	wp := NewWakePublisher(pub)

	require.NoError(t, wp.NotifyRunnable(context.Background(), "shop", nil))
	assert.Empty(t, pub.bodies)

	ids := []string{"6f1c1c3e-4b0e-4f55-9a53-2f0e7c1d8a10"}
	require.NoError(t, wp.NotifyRunnable(context.Background(), "shop", ids))
	require.Len(t, pub.bodies, 1)

	var msg WakeMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, WakeMessage{TenantID: "shop", JobIDs: ids}, msg)

	parsed, err := parseWakeMessage(pub.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, ids, parsed.JobIDs)
}
