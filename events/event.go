// Package events delivers ordered, signed progress notifications for plans.
//
// Send assigns a per-plan sequence number, signs the serialized event,
// appends it to a durable outbox and returns. Delivery to the sink happens
// on one goroutine per plan so a plan's events reach the sink in sequence
// order, throttled by a global rate limiter and retried with exponential
// backoff. Events that exhaust their retries stay in the outbox as failed
// and can be redelivered unchanged.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type names an event.
type Type string

const (
	TypeTaskStarted   Type = "task-started"
	TypeTaskCompleted Type = "task-completed"
	TypeTaskFailed    Type = "task-failed"
	TypeTaskTimedOut  Type = "task-timed-out"
	TypePlanBatch     Type = "plan-batch"
	TypePlanWarning   Type = "plan-warning"
	TypePlanBlocked   Type = "plan-blocked"
	TypePlanCompleted Type = "plan-completed"
)

// Event is an immutable progress notification. Once signed it is never
// changed; retries resend the same bytes.
type Event struct {
	ID        string         `json:"id"`
	PlanID    string         `json:"planId"`
	TaskID    string         `json:"taskId,omitempty"`
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

// Draft is what callers hand to Send; the service fills in the rest.
type Draft struct {
	PlanID  string
	TaskID  string
	Type    Type
	Payload map[string]any
}

// Decode parses a serialized event.
func Decode(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// ErrDeliveryFailure marks an event that exhausted its delivery attempts.
// It is never fatal to a plan.
var ErrDeliveryFailure = errors.New("event delivery failed")

// DeliveryError records why an event ended up in the failed set.
type DeliveryError struct {
	EventID  string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("event %s: delivery failed after %d attempt(s): %v", e.EventID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDeliveryFailure, e.Err} }
