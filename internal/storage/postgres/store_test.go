package postgres

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrations(t *testing.T) {
	public, err := readMigrations("migrations/public")
	require.NoError(t, err)
	require.NotEmpty(t, public)
	assert.Contains(t, public[0].sql, "CREATE TABLE IF NOT EXISTS tenants")

	scoped, err := readMigrations("migrations/tenant")
	require.NoError(t, err)
	require.NotEmpty(t, scoped)
	for _, m := range scoped {
		assert.NotContains(t, m.sql, "public.", "tenant migrations must resolve through search_path")
	}
	assert.Contains(t, scoped[0].sql, "jobs_natural_key_idx")
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantDup bool
	}{
		{name: "nil", err: nil},
		{name: "unique violation", err: &pq.Error{Code: uniqueViolation, Detail: "Key exists"}, wantDup: true},
		{name: "other pq error", err: &pq.Error{Code: "40001"}},
		{name: "plain error", err: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err, "create job")
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			assert.Equal(t, tt.wantDup, errors.Is(got, domain.ErrDuplicateSubmission))
			if !tt.wantDup {
				assert.ErrorIs(t, got, tt.err)
			}
		})
	}
}

func TestBuildListJobsQuery(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	query, args := buildListJobsQuery(storage.JobFilter{
		Status:      "FAILED",
		Marketplace: "vinted",
		PageSize:    20,
		Cursor:      &storage.JobCursor{CreatedAt: created, JobID: "job-1"},
	})

	assert.Contains(t, query, "status = $1")
	assert.Contains(t, query, "marketplace = $2")
	assert.Contains(t, query, "(created_at, id) < ($3, $4)")
	assert.True(t, strings.HasSuffix(query, "LIMIT $5"))
	assert.Equal(t, []interface{}{"FAILED", "vinted", created, "job-1", 21}, args)
}

func TestBuildTransitionQuery(t *testing.T) {
	deadline := time.Now()

	tests := []struct {
		name     string
		to       domain.Status
		update   domain.TaskUpdate
		contains []string
		args     int
	}{
		{
			name:     "running stamps deadline",
			to:       domain.StatusRunning,
			update:   domain.TaskUpdate{DeadlineAt: &deadline},
			contains: []string{"started_at = NOW()", "deadline_at = $2", "WHERE id = $3"},
			args:     3,
		},
		{
			name:     "completed clears error",
			to:       domain.StatusCompleted,
			update:   domain.TaskUpdate{Result: []byte(`{"listing_id":"L1"}`)},
			contains: []string{"result = $2", "error = ''", "WHERE id = $3"},
			args:     3,
		},
		{
			name:     "failed counts attempt",
			to:       domain.StatusFailed,
			update:   domain.TaskUpdate{Error: "503", ErrorClass: domain.ErrorClassTransient, IncrementRetry: true},
			contains: []string{"error_class = $3", "retry_count = retry_count + 1", "WHERE id = $4"},
			args:     4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildTransitionQuery("task-1", tt.to, tt.update)
			for _, c := range tt.contains {
				assert.Contains(t, query, c)
			}
			require.Len(t, args, tt.args)
			assert.Equal(t, tt.to, args[0])
			assert.Equal(t, "task-1", args[len(args)-1])
		})
	}
}

func TestJSONArg(t *testing.T) {
	assert.Nil(t, jsonArg(nil))
	assert.Equal(t, `{"a":1}`, jsonArg([]byte(`{"a":1}`)))
}
