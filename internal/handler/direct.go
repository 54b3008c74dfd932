package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/marketplace"
	"github.com/cuongbtq/listing-orchestrator/internal/ratelimit"
)

// DirectStrategy calls the marketplace API from the backend process
type DirectStrategy struct {
	client  marketplace.Client
	limiter *ratelimit.Limiter
}

var _ Strategy = (*DirectStrategy)(nil)

// NewDirectStrategy creates a DirectStrategy sharing the process-wide limiter
func NewDirectStrategy(client marketplace.Client, limiter *ratelimit.Limiter) *DirectStrategy {
	return &DirectStrategy{client: client, limiter: limiter}
}

func (s *DirectStrategy) Mode() domain.ExecutionMode {
	return domain.ModeLocal
}

func (s *DirectStrategy) Perform(ctx context.Context, call Call) (json.RawMessage, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	var out interface{}
	var err error
	switch call.Step {
	case domain.StepUploadImage:
		out, err = s.client.UploadImage(ctx, call.TargetID, call.ImageURL)
	case domain.StepCreateListing:
		out, err = s.client.CreateListing(ctx, *call.Draft)
	case domain.StepUpdateListing:
		out, err = s.client.UpdateListing(ctx, call.ListingID, *call.Draft)
	case domain.StepDeleteListing:
		err = s.client.DeleteListing(ctx, call.ListingID)
		out = map[string]string{"deleted": call.ListingID}
	case domain.StepSyncOrders:
		var orders []marketplace.Order
		orders, err = s.client.SyncOrders(ctx, call.Since)
		out = map[string]interface{}{"orders": orders, "count": len(orders)}
	default:
		return nil, domain.NewTaskError(domain.ErrorClassInternal, fmt.Sprintf("direct strategy cannot perform %q", call.Step), nil)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// AlreadyApplied looks the listing up for create and delete; the other calls
// are safe to repeat
func (s *DirectStrategy) AlreadyApplied(ctx context.Context, call Call) (json.RawMessage, bool, error) {
	switch call.Step {
	case domain.StepCreateListing:
		if err := s.limiter.Acquire(ctx); err != nil {
			return nil, false, err
		}
		listing, err := s.client.FindListing(ctx, call.TargetID)
		if err != nil || listing == nil {
			return nil, false, err
		}
		raw, err := json.Marshal(listing)
		return raw, err == nil, err
	case domain.StepDeleteListing:
		if err := s.limiter.Acquire(ctx); err != nil {
			return nil, false, err
		}
		listing, err := s.client.FindListing(ctx, call.TargetID)
		if err != nil || listing != nil {
			return nil, false, err
		}
		raw, err := json.Marshal(map[string]string{"deleted": call.ListingID})
		return raw, err == nil, err
	default:
		return nil, false, nil
	}
}
