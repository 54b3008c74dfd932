package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/marketplace"
)

const defaultCurrency = "EUR"

// defaultSyncWindow is how far back an order sync looks when the payload names no start
const defaultSyncWindow = 24 * time.Hour

// ListingHandler runs the listing pipelines. Validation, attribute mapping and
// result persistence run in-process; marketplace side effects go through the
// strategy.
type ListingHandler struct {
	marketplace domain.Marketplace
	operation   domain.Operation
	strategy    Strategy
}

var (
	_ Handler            = (*ListingHandler)(nil)
	_ IdempotencyChecker = (*ListingHandler)(nil)
	_ PayloadValidator   = (*ListingHandler)(nil)
)

// NewListingHandler creates a ListingHandler
func NewListingHandler(mp domain.Marketplace, op domain.Operation, strategy Strategy) *ListingHandler {
	return &ListingHandler{marketplace: mp, operation: op, strategy: strategy}
}

type step struct {
	kind   string
	remote bool
	extra  string
	input  interface{}
}

func (h *ListingHandler) plan(p *ListingPayload) ([]step, error) {
	var steps []step
	switch h.operation {
	case domain.OperationPublish:
		steps = append(steps, step{kind: domain.StepValidate}, step{kind: domain.StepMapAttributes})
		for i, img := range p.Images {
			steps = append(steps, step{
				kind:   domain.StepUploadImage,
				remote: true,
				extra:  fmt.Sprint(i),
				input:  map[string]string{"image_url": img},
			})
		}
		steps = append(steps, step{kind: domain.StepCreateListing, remote: true})
	case domain.OperationUpdate:
		steps = append(steps,
			step{kind: domain.StepValidate},
			step{kind: domain.StepMapAttributes},
			step{kind: domain.StepUpdateListing, remote: true, extra: p.ListingID},
		)
	case domain.OperationDelete:
		steps = append(steps,
			step{kind: domain.StepValidate},
			step{kind: domain.StepDeleteListing, remote: true, extra: p.ListingID},
		)
	case domain.OperationSync:
		steps = append(steps, step{kind: domain.StepSyncOrders, remote: true})
	default:
		return nil, domain.NewTaskError(domain.ErrorClassPermanent, fmt.Sprintf("unsupported operation %q", h.operation), nil)
	}
	return append(steps, step{kind: domain.StepPersistResult}), nil
}

// ValidatePayload rejects a payload this operation could never execute
func (h *ListingHandler) ValidatePayload(raw json.RawMessage) error {
	return validateListingPayload(h.operation, raw)
}

// CreateTasks expands the job into its ordered pipeline
func (h *ListingHandler) CreateTasks(_ context.Context, job *domain.Job) ([]domain.TaskSpec, error) {
	payload, err := parsePayload(job.Payload)
	if err != nil {
		return nil, err
	}
	steps, err := h.plan(payload)
	if err != nil {
		return nil, err
	}

	specs := make([]domain.TaskSpec, 0, len(steps))
	for i, s := range steps {
		mode := domain.ModeLocal
		if s.remote {
			mode = h.strategy.Mode()
		}
		parts := []string{s.kind, string(h.marketplace), job.TargetID}
		if s.extra != "" {
			parts = append(parts, s.extra)
		}
		spec := domain.TaskSpec{
			StepType:          s.kind,
			StepOrder:         i + 1,
			Mode:              mode,
			IdempotencyMarker: strings.Join(parts, ":"),
		}
		if s.input != nil {
			raw, err := json.Marshal(s.input)
			if err != nil {
				return nil, domain.NewTaskError(domain.ErrorClassInternal, "encode task input", err)
			}
			spec.Input = raw
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Execute runs one task of the pipeline
func (h *ListingHandler) Execute(ctx context.Context, ex *Execution, task *domain.Task) (domain.Result, error) {
	payload, err := parsePayload(ex.Job.Payload)
	if err != nil {
		return domain.Result{}, err
	}

	switch task.StepType {
	case domain.StepValidate:
		if err := payload.Validate(h.operation); err != nil {
			return domain.Result{}, err
		}
		if payload.Currency == "" {
			payload.Currency = defaultCurrency
		}
		return marshalResult(payload)

	case domain.StepMapAttributes:
		var validated ListingPayload
		if err := readResult(ex, domain.StepValidate, &validated); err != nil {
			return domain.Result{}, err
		}
		return marshalResult(h.mapDraft(ex.Job.TargetID, &validated))

	case domain.StepPersistResult:
		return h.persist(ex, payload)
	}

	call, err := h.call(ex, task, payload)
	if err != nil {
		return domain.Result{}, err
	}
	raw, err := h.strategy.Perform(ctx, call)
	if err != nil {
		return domain.Result{}, err
	}
	return domain.Result{Payload: raw}, nil
}

// AlreadyApplied asks the strategy whether a marketplace step's side effect
// is already visible; in-process steps are always safe to re-run
func (h *ListingHandler) AlreadyApplied(ctx context.Context, ex *Execution, task *domain.Task) (domain.Result, bool, error) {
	switch task.StepType {
	case domain.StepValidate, domain.StepMapAttributes, domain.StepPersistResult:
		return domain.Result{}, false, nil
	}

	payload, err := parsePayload(ex.Job.Payload)
	if err != nil {
		return domain.Result{}, false, err
	}
	call, err := h.call(ex, task, payload)
	if err != nil {
		return domain.Result{}, false, err
	}
	raw, applied, err := h.strategy.AlreadyApplied(ctx, call)
	if err != nil || !applied {
		return domain.Result{}, false, err
	}
	return domain.Result{Payload: raw, Skipped: true}, true, nil
}

func (h *ListingHandler) mapDraft(targetID string, p *ListingPayload) marketplace.Draft {
	attrs := make(map[string]string, len(p.Attributes)+1)
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	attrs["source_marketplace"] = string(h.marketplace)
	return marketplace.Draft{
		TargetID:    targetID,
		Title:       strings.TrimSpace(p.Title),
		Description: p.Description,
		Price:       p.Price,
		Currency:    p.Currency,
		Attributes:  attrs,
	}
}

// call builds the marketplace call for a side-effect step from earlier results
func (h *ListingHandler) call(ex *Execution, task *domain.Task, payload *ListingPayload) (Call, error) {
	call := Call{
		Step:              task.StepType,
		JobID:             ex.Job.ID,
		TaskID:            task.ID,
		TenantID:          ex.Scope.TenantID,
		TargetID:          ex.Job.TargetID,
		ListingID:         payload.ListingID,
		IdempotencyMarker: task.IdempotencyMarker,
	}

	switch task.StepType {
	case domain.StepUploadImage:
		var input struct {
			ImageURL string `json:"image_url"`
		}
		if err := json.Unmarshal(task.Input, &input); err != nil {
			return Call{}, domain.NewTaskError(domain.ErrorClassInternal, "decode task input", err)
		}
		call.ImageURL = input.ImageURL

	case domain.StepCreateListing, domain.StepUpdateListing:
		var draft marketplace.Draft
		if err := readResult(ex, domain.StepMapAttributes, &draft); err != nil {
			return Call{}, err
		}
		for _, raw := range ex.Results(domain.StepUploadImage) {
			var img marketplace.Image
			if err := json.Unmarshal(raw, &img); err == nil && img.ID != "" {
				draft.ImageIDs = append(draft.ImageIDs, img.ID)
			}
		}
		call.Draft = &draft

	case domain.StepDeleteListing:
		// listing id comes straight from the payload

	case domain.StepSyncOrders:
		call.Since = ex.Job.CreatedAt.Add(-defaultSyncWindow)
		if payload.Since != nil {
			call.Since = *payload.Since
		}

	default:
		return Call{}, domain.NewTaskError(domain.ErrorClassInternal, fmt.Sprintf("unknown step type %q", task.StepType), nil)
	}
	return call, nil
}

func (h *ListingHandler) persist(ex *Execution, payload *ListingPayload) (domain.Result, error) {
	summary := map[string]interface{}{
		"marketplace": h.marketplace,
		"operation":   h.operation,
		"target_id":   ex.Job.TargetID,
	}

	switch h.operation {
	case domain.OperationPublish, domain.OperationUpdate:
		step := domain.StepCreateListing
		if h.operation == domain.OperationUpdate {
			step = domain.StepUpdateListing
		}
		raw, ok := ex.Result(step)
		if !ok {
			return domain.Result{}, missingResult(step)
		}
		summary["listing"] = raw
		summary["images"] = len(ex.Results(domain.StepUploadImage))
	case domain.OperationDelete:
		if _, ok := ex.Result(domain.StepDeleteListing); !ok {
			return domain.Result{}, missingResult(domain.StepDeleteListing)
		}
		summary["deleted"] = payload.ListingID
	case domain.OperationSync:
		raw, ok := ex.Result(domain.StepSyncOrders)
		if !ok {
			return domain.Result{}, missingResult(domain.StepSyncOrders)
		}
		summary["orders"] = raw
	}
	return marshalResult(summary)
}

func readResult(ex *Execution, step string, v interface{}) error {
	raw, ok := ex.Result(step)
	if !ok {
		return missingResult(step)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.NewTaskError(domain.ErrorClassInternal, "decode result of "+step, err)
	}
	return nil
}

func missingResult(step string) error {
	return domain.NewTaskError(domain.ErrorClassInternal, "missing result of step "+step, nil)
}
