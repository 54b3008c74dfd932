package agent

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

// KindHTTPRequest asks the agent to perform an HTTP request against the
// marketplace site using its live session
const KindHTTPRequest = "http_request"

// HTTPRequest is the request an agent performs on behalf of a task
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Descriptor is one unit of work handed to a remote agent
type Descriptor struct {
	TaskID   string      `json:"task_id"`
	JobID    string      `json:"job_id"`
	Kind     string      `json:"kind"`
	Request  HTTPRequest `json:"request"`
	Deadline time.Time   `json:"deadline"`
}

// Report is what an agent sends back for a task
type Report struct {
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorClass string          `json:"error_class,omitempty"`
}

// Failed reports whether the agent reported a failure
func (r Report) Failed() bool {
	return r.Error != ""
}

// Err converts a failure report into a classified task error. Agents may only
// report transient or permanent failures; anything else is permanent.
func (r Report) Err() error {
	if !r.Failed() {
		return nil
	}
	class := domain.ErrorClassPermanent
	if domain.ErrorClass(r.ErrorClass) == domain.ErrorClassTransient {
		class = domain.ErrorClassTransient
	}
	return domain.NewTaskError(class, r.Error, nil)
}
