// Package queue runs the pipeline for requests consumed from RabbitMQ and
// publishes status updates back to an exchange.
package queue

import (
	"errors"
	"strings"
	"time"

	"github.com/spigell/cv-matcher/internal/analysis"
)

// Request asks for one resume stored under ObjectKey to be matched against
// JobDescription.
type Request struct {
	ID             string `json:"id"`
	ObjectKey      string `json:"object_key"`
	JobDescription string `json:"job_description"`
}

func (r Request) Validate() error {
	var errs []error
	if strings.TrimSpace(r.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(r.ObjectKey) == "" {
		errs = append(errs, errors.New("object_key is required"))
	}
	if strings.TrimSpace(r.JobDescription) == "" {
		errs = append(errs, errors.New("job_description is required"))
	}
	return errors.Join(errs...)
}

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StageFetch marks failures to load the request document.
const StageFetch analysis.Stage = "fetch"

// Update reports the progress of a request.
type Update struct {
	RequestID string           `json:"request_id"`
	Status    Status           `json:"status"`
	Message   string           `json:"message"`
	Stage     analysis.Stage   `json:"stage,omitempty"`
	Error     string           `json:"error,omitempty"`
	Report    *analysis.Report `json:"report,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
