package handler

import (
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/agent"
	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/cuongbtq/listing-orchestrator/internal/submission"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &storage.JobCursor{
		CreatedAt: time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC),
		JobID:     uuid.New().String(),
	}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.JobID, out.JobID)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	enc := base64.RawURLEncoding.EncodeToString

	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "***"},
		{"missing separator", enc([]byte("12345"))},
		{"bad timestamp", enc([]byte("yesterday|" + uuid.New().String()))},
		{"bad job id", enc([]byte("12345|job-1"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.cursor)
			assert.Error(t, err)
		})
	}

	cursor, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{submission.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrJobNotFound, http.StatusNotFound},
		{agent.ErrUnknownTask, http.StatusNotFound},
		{domain.ErrDuplicateSubmission, http.StatusConflict},
		{domain.ErrRetryLimitReached, http.StatusConflict},
		{domain.ErrJobTerminal, http.StatusConflict},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
