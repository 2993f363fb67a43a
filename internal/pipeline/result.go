package pipeline

import (
	"fmt"
	"net/http"
)

// Kind classifies a rejection. Anything that is not a Rejection is an
// unhandled fault and goes to the FaultReporter.
type Kind string

// Rejection kinds surfaced to callers.
const (
	KindAdmissionRejected   Kind = "admission_rejected"
	KindValidationFailed    Kind = "validation_failed"
	KindRateLimited         Kind = "rate_limited"
	KindCreditsExhausted    Kind = "credits_exhausted"
	KindPolicyBlocked       Kind = "policy_blocked"
	KindIdempotencyConflict Kind = "idempotency_conflict"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindUpstreamFailed      Kind = "upstream_failed"
)

// Rejection is a terminal response chosen by a stage or handler. Its message
// is shown to the caller verbatim.
type Rejection struct {
	Kind    Kind
	Status  int
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s (%d): %s", r.Kind, r.Status, r.Message)
}

// Reject builds a Rejection.
func Reject(kind Kind, status int, message string) *Rejection {
	return &Rejection{Kind: kind, Status: status, Message: message}
}

// Validation builds a 400 ValidationFailed rejection.
func Validation(message string) *Rejection {
	return Reject(KindValidationFailed, http.StatusBadRequest, message)
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeTerminate
	outcomeFault
)

// Result is what a Stage returns: continue to the next stage, terminate with
// a rejection, or fault.
type Result struct {
	outcome   outcome
	rejection *Rejection
	err       error
}

// Continue hands control to the next stage.
func Continue() Result {
	return Result{outcome: outcomeContinue}
}

// Terminate stops the chain and writes the rejection.
func Terminate(r *Rejection) Result {
	return Result{outcome: outcomeTerminate, rejection: r}
}

// Fault stops the chain and forwards err to the FaultReporter.
func Fault(err error) Result {
	return Result{outcome: outcomeFault, err: err}
}

// IsContinue reports whether the chain should proceed.
func (r Result) IsContinue() bool {
	return r.outcome == outcomeContinue
}

// Rejection returns the rejection of a Terminate result, or nil.
func (r Result) Rejection() *Rejection {
	return r.rejection
}

// Err returns the error of a Fault result, or nil.
func (r Result) Err() error {
	return r.err
}

// ErrorBody is the JSON shape of every rejection and fault response.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
