package decision

import (
	"errors"
	"fmt"
)

// Phase is the lifecycle position of one pending request.
type Phase int

// Decision phases.
const (
	Pending Phase = iota
	ManuallyEdited
	Submitting
	Completed
	Failed
)

var phaseNames = map[Phase]string{
	Pending:        "pending",
	ManuallyEdited: "edited",
	Submitting:     "submitting",
	Completed:      "completed",
	Failed:         "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText encodes the phase as its name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Open reports whether a submission may still be made.
func (p Phase) Open() bool {
	return p == Pending || p == ManuallyEdited
}

// Trigger records what caused a submission.
type Trigger string

// Submission triggers.
const (
	TriggerAuto    Trigger = "auto"
	TriggerCustom  Trigger = "custom"
	TriggerDefault Trigger = "default"
)

// Label returns the status text shown for a completed decision.
func (t Trigger) Label() string {
	switch t {
	case TriggerAuto:
		return "Auto-Responded"
	case TriggerCustom:
		return "Custom"
	case TriggerDefault:
		return "Default"
	default:
		return ""
	}
}

// Errors returned by Engine operations.
var (
	ErrNotEditable    = errors.New("response can no longer be edited")
	ErrSubmitInFlight = errors.New("a submission is already in flight")
	ErrCompleted      = errors.New("response already delivered")
	ErrNotFound       = errors.New("request not found")
	ErrStillOpen      = errors.New("request has not completed")
)

// GenericDeliveryFailure is shown when the backend never answered.
const GenericDeliveryFailure = "backend unreachable"

// DeliveryError is a failed response submission.
type DeliveryError struct {
	RequestID  string
	Source     string
	StatusCode int // zero when the call never completed
	Message    string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver response for %s to %s: %s", e.RequestID, e.Source, e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Reason returns the message to show to the operator.
func Reason(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
