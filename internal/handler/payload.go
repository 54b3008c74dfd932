package handler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

// ListingPayload is the job payload accepted by the listing handlers
type ListingPayload struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Price       float64           `json:"price,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	Images      []string          `json:"images,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	ListingID   string            `json:"listing_id,omitempty"`
	Since       *time.Time        `json:"since,omitempty"`
}

func parsePayload(raw json.RawMessage) (*ListingPayload, error) {
	var p ListingPayload
	if len(raw) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, domain.NewTaskError(domain.ErrorClassPermanent, "payload is not a valid listing document", err)
	}
	return &p, nil
}

func validateListingPayload(op domain.Operation, raw json.RawMessage) error {
	p, err := parsePayload(raw)
	if err != nil {
		return err
	}
	return p.Validate(op)
}

// Validate checks the fields an operation needs
func (p *ListingPayload) Validate(op domain.Operation) error {
	var problems []string
	switch op {
	case domain.OperationPublish, domain.OperationUpdate:
		if strings.TrimSpace(p.Title) == "" {
			problems = append(problems, "title is required")
		}
		if p.Price <= 0 {
			problems = append(problems, "price must be positive")
		}
		if op == domain.OperationUpdate && p.ListingID == "" {
			problems = append(problems, "listing_id is required")
		}
	case domain.OperationDelete:
		if p.ListingID == "" {
			problems = append(problems, "listing_id is required")
		}
	}
	for _, img := range p.Images {
		if !strings.HasPrefix(img, "http://") && !strings.HasPrefix(img, "https://") {
			problems = append(problems, fmt.Sprintf("image %q is not an http(s) url", img))
		}
	}
	if len(problems) > 0 {
		return domain.NewTaskError(domain.ErrorClassPermanent, strings.Join(problems, "; "), domain.ErrInvalidPayload)
	}
	return nil
}

func marshalResult(v interface{}) (domain.Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return domain.Result{}, domain.NewTaskError(domain.ErrorClassInternal, "encode result", err)
	}
	return domain.Result{Payload: raw}, nil
}
