package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zyuc/mockbroker/pkg/registry"
)

// UncategorizedProject is the display label for events without a project.
const UncategorizedProject = "Uncategorized"

// ErrMissingRequestID is returned when a data message has no requestId.
var ErrMissingRequestID = errors.New("event has no requestId")

// PendingRequestEvent is a request held open by a backend until it receives
// a response. Values are never mutated after they are decoded.
type PendingRequestEvent struct {
	RequestID       string           `json:"requestId"`
	Endpoint        string           `json:"endpoint"`
	Payload         string           `json:"payload"`
	DefaultResponse string           `json:"defaultResponse"`
	Project         string           `json:"project,omitempty"`
	Source          registry.Address `json:"source"`

	// Local metadata, never sent back to a backend.
	ReceivedAt time.Time        `json:"-"`
	Origin     registry.Address `json:"-"`
}

// ProjectLabel returns the project name, or UncategorizedProject when unset.
func (e PendingRequestEvent) ProjectLabel() string {
	if strings.TrimSpace(e.Project) == "" {
		return UncategorizedProject
	}
	return e.Project
}

// DecodeEvent parses a data message received from origin. A missing source
// defaults to origin so submissions always have a target.
func DecodeEvent(data []byte, origin registry.Address, now time.Time) (PendingRequestEvent, error) {
	var ev PendingRequestEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return PendingRequestEvent{}, fmt.Errorf("failed to decode event: %w", err)
	}
	ev.RequestID = strings.TrimSpace(ev.RequestID)
	if ev.RequestID == "" {
		return PendingRequestEvent{}, ErrMissingRequestID
	}
	if ev.Source.IsZero() {
		ev.Source = origin
	}
	ev.Origin = origin
	ev.ReceivedAt = now
	return ev, nil
}
