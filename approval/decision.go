package approval

import (
	"fmt"
	"strings"
)

// Decision is the action an admin requests. Each variant carries exactly
// the fields its transition needs.
type Decision interface {
	Target() Status
	Action() Action
	reason() string
}

// ReviewDecision moves a pending entity into review.
type ReviewDecision struct{}

// ApproveDecision approves the entity. For complaints a positive Points
// replaces the submitted points value.
type ApproveDecision struct {
	Points int64
}

// RejectDecision rejects the entity. Reason is mandatory.
type RejectDecision struct {
	Reason string
}

// RevertDecision sends a decided entity back to review. Override role only.
type RevertDecision struct {
	Reason string
}

// CompleteDecision marks an approved withdrawal as paid out.
type CompleteDecision struct{}

func (ReviewDecision) Target() Status   { return StatusUnderReview }
func (ApproveDecision) Target() Status  { return StatusApproved }
func (RejectDecision) Target() Status   { return StatusRejected }
func (RevertDecision) Target() Status   { return StatusUnderReview }
func (CompleteDecision) Target() Status { return StatusCompleted }

func (ReviewDecision) Action() Action   { return ActionReview }
func (ApproveDecision) Action() Action  { return ActionApprove }
func (RejectDecision) Action() Action   { return ActionReject }
func (RevertDecision) Action() Action   { return ActionRevert }
func (CompleteDecision) Action() Action { return ActionComplete }

func (ReviewDecision) reason() string   { return "" }
func (ApproveDecision) reason() string  { return "" }
func (d RejectDecision) reason() string { return strings.TrimSpace(d.Reason) }
func (d RevertDecision) reason() string { return strings.TrimSpace(d.Reason) }
func (CompleteDecision) reason() string { return "" }

// ParseDecision builds a Decision from its wire name.
func ParseDecision(action string, reason string, points int64) (Decision, error) {
	switch Action(strings.ToLower(strings.TrimSpace(action))) {
	case ActionReview:
		return ReviewDecision{}, nil
	case ActionApprove:
		if points < 0 {
			return nil, fmt.Errorf("%w: points must not be negative", ErrInvalidInput)
		}
		return ApproveDecision{Points: points}, nil
	case ActionReject:
		return RejectDecision{Reason: reason}, nil
	case ActionRevert:
		return RevertDecision{Reason: reason}, nil
	case ActionComplete:
		return CompleteDecision{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
}
