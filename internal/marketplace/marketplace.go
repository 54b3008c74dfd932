// Package marketplace is the contract the orchestrator consumes from a
// marketplace API client, plus a JSON-over-HTTP implementation of it.
package marketplace

import (
	"context"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

// Draft is the marketplace-ready representation of a listing
type Draft struct {
	TargetID    string            `json:"target_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Price       float64           `json:"price"`
	Currency    string            `json:"currency"`
	ImageIDs    []string          `json:"image_ids,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Listing is a listing as the marketplace reports it
type Listing struct {
	ID       string `json:"id"`
	TargetID string `json:"target_id"`
	URL      string `json:"url,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Image is an uploaded listing image
type Image struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url"`
}

// Order is a sold item reported by the marketplace
type Order struct {
	ID        string    `json:"id"`
	ListingID string    `json:"listing_id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

// Client performs typed marketplace operations. Every method returns either a
// result or an *Error telling retryable failures from permanent ones.
type Client interface {
	Marketplace() domain.Marketplace
	CreateListing(ctx context.Context, draft Draft) (*Listing, error)
	UpdateListing(ctx context.Context, listingID string, draft Draft) (*Listing, error)
	DeleteListing(ctx context.Context, listingID string) error
	UploadImage(ctx context.Context, targetID, sourceURL string) (*Image, error)
	SyncOrders(ctx context.Context, since time.Time) ([]Order, error)
	// FindListing looks a listing up by target id; it returns nil, nil when none exists
	FindListing(ctx context.Context, targetID string) (*Listing, error)
}
