package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/marketplace"
)

// Call is one marketplace side effect requested by a listing step
type Call struct {
	Step              string
	JobID             string
	TaskID            string
	TenantID          string
	TargetID          string
	ListingID         string
	ImageURL          string
	Draft             *marketplace.Draft
	Since             time.Time
	IdempotencyMarker string
}

// Strategy performs marketplace calls. Direct and remote-agent strategies
// return the same shape so the dispatcher never knows which one ran.
type Strategy interface {
	Mode() domain.ExecutionMode
	Perform(ctx context.Context, call Call) (json.RawMessage, error)
	// AlreadyApplied reports whether the call's side effect is already visible
	AlreadyApplied(ctx context.Context, call Call) (json.RawMessage, bool, error)
}
