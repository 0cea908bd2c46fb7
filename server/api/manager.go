// Package api defines the REST API handlers and the interfaces they drive.
package api

import (
	"context"

	"github.com/GoCodeAlone/planwright/engine"
	"github.com/GoCodeAlone/planwright/events"
	"github.com/GoCodeAlone/planwright/task"
)

// PlanManager is the interface the API uses to submit and steer plans.
// Implemented by *engine.Engine.
type PlanManager interface {
	SubmitPlan(ctx context.Context, prompt string, rc map[string]any) (string, error)
	GetPlanStatus(ctx context.Context, planID string) (*engine.Status, error)
	ListPlans(ctx context.Context, filter task.PlanFilter) ([]*task.Plan, error)
	CancelPlan(ctx context.Context, planID string) error
	ApprovePlan(ctx context.Context, planID string) error
	RejectPlan(ctx context.Context, planID string) error
}

// EventAdmin exposes the dead letter view of the event outbox.
// Implemented by *events.Service.
type EventAdmin interface {
	Failed(ctx context.Context, planID string) ([]events.Record, error)
	Redeliver(ctx context.Context, eventID string) error
}
