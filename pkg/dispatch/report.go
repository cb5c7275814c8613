package dispatch

import (
	"errors"
	"time"

	"gitagent/pkg/action"
)

// Outcomes carried by a Report.
const (
	OutcomeSucceeded     = "succeeded"
	OutcomeExitedNonZero = "exited_nonzero"
	OutcomeLaunchFailed  = "launch_failed"
	OutcomeTimedOut      = "timed_out"
	OutcomeQueued        = "queued"
	OutcomeFailed        = "failed"
)

// Report describes one finished dispatch.
type Report struct {
	RequestID  string    `json:"request_id"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	Event      string    `json:"event,omitempty"`
	Ref        string    `json:"ref,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Outcome    string    `json:"outcome"`
	ExitStatus int       `json:"exit_status"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewReport summarizes what an action returned for trigger.
func NewReport(trigger action.Trigger, result action.Result, err error) Report {
	report := Report{
		RequestID:  trigger.RequestID,
		DeliveryID: trigger.DeliveryID,
		Event:      trigger.Event,
		Ref:        trigger.Ref,
		Repository: trigger.Repository,
		Outcome:    Classify(result, err),
		ExitStatus: result.ExitStatus,
		Stdout:     string(result.Stdout),
		Stderr:     string(result.Stderr),
		DurationMS: result.Duration.Milliseconds(),
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		report.Error = err.Error()
	}
	return report
}

// Classify maps an action result onto an outcome.
func Classify(result action.Result, err error) string {
	var launchErr *action.LaunchError
	switch {
	case err == nil && result.Queued:
		return OutcomeQueued
	case err == nil && result.ExitStatus == 0:
		return OutcomeSucceeded
	case err == nil:
		return OutcomeExitedNonZero
	case errors.Is(err, action.ErrTimeout):
		return OutcomeTimedOut
	case errors.As(err, &launchErr):
		return OutcomeLaunchFailed
	default:
		return OutcomeFailed
	}
}
