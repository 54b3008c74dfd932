// Package handler maps a job's (marketplace, operation) pair to the Handler
// that expands it into tasks and executes them.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
)

// ErrNoHandler is returned when nothing is registered for a key
var ErrNoHandler = errors.New("no handler registered")

// Handler expands a job into ordered task specs and executes one task
type Handler interface {
	CreateTasks(ctx context.Context, job *domain.Job) ([]domain.TaskSpec, error)
	Execute(ctx context.Context, ex *Execution, task *domain.Task) (domain.Result, error)
}

// IdempotencyChecker is implemented by handlers that can tell whether a
// task's side effect is already visible on the marketplace
type IdempotencyChecker interface {
	AlreadyApplied(ctx context.Context, ex *Execution, task *domain.Task) (domain.Result, bool, error)
}

// PayloadValidator is implemented by handlers that can reject a payload at submission time
type PayloadValidator interface {
	ValidatePayload(raw json.RawMessage) error
}

// Catalog answers which submissions can be dispatched. The registry is a
// Catalog; ListingCatalog serves processes that never execute jobs.
type Catalog interface {
	Supports(mp domain.Marketplace, op domain.Operation) bool
	ValidatePayload(mp domain.Marketplace, op domain.Operation, raw json.RawMessage) error
}

// ListingCatalog supports every listing operation on its marketplaces
type ListingCatalog []domain.Marketplace

func (c ListingCatalog) Supports(mp domain.Marketplace, op domain.Operation) bool {
	if !op.IsValid() {
		return false
	}
	for _, m := range c {
		if m == mp {
			return true
		}
	}
	return false
}

func (c ListingCatalog) ValidatePayload(mp domain.Marketplace, op domain.Operation, raw json.RawMessage) error {
	if !c.Supports(mp, op) {
		return fmt.Errorf("%w for %s", ErrNoHandler, Key{Marketplace: mp, Operation: op})
	}
	return validateListingPayload(op, raw)
}

// Execution is what a task sees of its job: the tenant scope it runs under
// and the results of the tasks completed before it
type Execution struct {
	Scope     tenant.Scope
	Job       *domain.Job
	Completed []domain.Task
}

// Record appends a completed task so later steps can read its result
func (e *Execution) Record(task domain.Task) {
	e.Completed = append(e.Completed, task)
}

// Result returns the result of the latest completed task of a step type
func (e *Execution) Result(stepType string) (json.RawMessage, bool) {
	for i := len(e.Completed) - 1; i >= 0; i-- {
		if e.Completed[i].StepType == stepType {
			return e.Completed[i].Result, true
		}
	}
	return nil, false
}

// Results returns the results of every completed task of a step type in step order
func (e *Execution) Results(stepType string) []json.RawMessage {
	var out []json.RawMessage
	for _, t := range e.Completed {
		if t.StepType == stepType {
			out = append(out, t.Result)
		}
	}
	return out
}

// Key identifies a handler
type Key struct {
	Marketplace domain.Marketplace
	Operation   domain.Operation
}

func (k Key) String() string {
	return string(k.Marketplace) + "/" + string(k.Operation)
}

// Registry is populated once at process start and read-only afterwards
type Registry struct {
	handlers map[Key]Handler
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Key]Handler)}
}

// Register binds h to (marketplace, operation)
func (r *Registry) Register(mp domain.Marketplace, op domain.Operation, h Handler) error {
	if !op.IsValid() {
		return fmt.Errorf("invalid operation %q", op)
	}
	key := Key{Marketplace: mp, Operation: op}
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("handler already registered for %s", key)
	}
	r.handlers[key] = h
	return nil
}

// Lookup returns the handler for (marketplace, operation)
func (r *Registry) Lookup(mp domain.Marketplace, op domain.Operation) (Handler, error) {
	key := Key{Marketplace: mp, Operation: op}
	h, ok := r.handlers[key]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoHandler, key)
	}
	return h, nil
}

// Supports reports whether a handler exists for (marketplace, operation)
func (r *Registry) Supports(mp domain.Marketplace, op domain.Operation) bool {
	_, ok := r.handlers[Key{Marketplace: mp, Operation: op}]
	return ok
}

// ValidatePayload checks a submitted payload against the handler for
// (marketplace, operation) when that handler knows how to
func (r *Registry) ValidatePayload(mp domain.Marketplace, op domain.Operation, raw json.RawMessage) error {
	h, err := r.Lookup(mp, op)
	if err != nil {
		return err
	}
	if v, ok := h.(PayloadValidator); ok {
		return v.ValidatePayload(raw)
	}
	return nil
}

// Keys lists the registered keys in a stable order
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// RegisterListingHandlers registers the four listing operations of one
// marketplace behind the given execution strategy
func RegisterListingHandlers(r *Registry, mp domain.Marketplace, strategy Strategy) error {
	for _, op := range []domain.Operation{
		domain.OperationPublish,
		domain.OperationUpdate,
		domain.OperationDelete,
		domain.OperationSync,
	} {
		if err := r.Register(mp, op, NewListingHandler(mp, op, strategy)); err != nil {
			return err
		}
	}
	return nil
}
