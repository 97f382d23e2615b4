package controlclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ent0n29/voxroom/internal/protocol"
)

// ErrServiceUnavailable matches any APIError with status 503, including
// control planes that could not be reached at all.
var ErrServiceUnavailable = errors.New("control plane temporarily unavailable")

// APIError is a non-2xx answer from the control plane, or a transport failure
// reported as 503.
type APIError struct {
	StatusCode int
	Code       string
	Message    string

	cause  error
	report *protocol.HealthResponse
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("control plane %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("control plane %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() []error {
	var errs []error
	if e.StatusCode == http.StatusServiceUnavailable {
		errs = append(errs, ErrServiceUnavailable)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

const (
	StepSpawn = "spawn"
	StepStart = "start"
)

// StepError names the step of StartVoiceAgent that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
