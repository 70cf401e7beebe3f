package approval

import (
	"context"
	"time"
)

// DecisionMade is emitted after a decision commits. Consumers (push
// notifications, reporting) must treat it as read-only.
type DecisionMade struct {
	EntityID EntityID  `json:"entity_id"`
	Kind     Kind      `json:"kind"`
	Action   Action    `json:"action"`
	From     Status    `json:"from_status"`
	To       Status    `json:"to_status"`
	UserID   UserID    `json:"user_id"`
	ActorID  UserID    `json:"actor_id"`
	Delta    *int64    `json:"delta,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher delivers DecisionMade events. A failed publish never rolls
// back the transition that produced it.
type Publisher interface {
	Publish(ctx context.Context, event DecisionMade) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DecisionMade) error { return nil }

// emitsEvent reports whether an action is announced to collaborators.
func emitsEvent(a Action) bool {
	switch a {
	case ActionApprove, ActionReject, ActionRevert, ActionComplete:
		return true
	}
	return false
}
