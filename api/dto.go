/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the approval model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers and the approval package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/civic-points/approval"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SubmitComplaintRequest creates a complaint. OwnerID defaults to the caller.
type SubmitComplaintRequest struct {
	OwnerID      string   `json:"owner_id,omitempty"`
	Points       int64    `json:"points"`
	Description  string   `json:"description"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

// RequestWithdrawalRequest asks to redeem points. OwnerID defaults to the caller
// and may name someone else only when the caller holds the override role.
type RequestWithdrawalRequest struct {
	OwnerID string `json:"owner_id,omitempty"`
	Amount  int64  `json:"amount"`
}

// TransitionRequest is an admin decision on an entity.
type TransitionRequest struct {
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	Points    int64  `json:"points,omitempty"`
	AttemptID string `json:"attempt_id,omitempty"`
}

// SetHierarchyRequest replaces the approval chain for a kind.
type SetHierarchyRequest struct {
	Roles []string `json:"roles"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EntityDTO represents a complaint or withdrawal.
type EntityDTO struct {
	ID           string             `json:"id"`
	Kind         string             `json:"kind"`
	OwnerID      string             `json:"owner_id"`
	Status       string             `json:"status"`
	Version      int64              `json:"version"`
	PointsValue  int64              `json:"points_value"`
	Description  string             `json:"description,omitempty"`
	EvidenceRefs []string           `json:"evidence_refs,omitempty"`
	Timeline     []TimelineEventDTO `json:"timeline"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// TimelineEventDTO is one recorded transition.
type TimelineEventDTO struct {
	Seq       int       `json:"seq"`
	Action    string    `json:"action"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	ActorID   string    `json:"actor_id"`
	ActorRole string    `json:"actor_role,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	AttemptID string    `json:"attempt_id,omitempty"`
	At        time.Time `json:"at"`
}

// LedgerEntryDTO is one balance change.
type LedgerEntryDTO struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	EntityID     string    `json:"entity_id"`
	Type         string    `json:"type"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransitionResponse is the outcome of a committed or replayed decision.
type TransitionResponse struct {
	Entity   EntityDTO        `json:"entity"`
	Event    TimelineEventDTO `json:"event"`
	Entries  []LedgerEntryDTO `json:"entries"`
	Replayed bool             `json:"replayed"`
}

// BalanceDTO is a user's balance.
type BalanceDTO struct {
	UserID string `json:"user_id"`
	Points int64  `json:"points"`
}

// HistoryEntryDTO is a ledger entry with its running balance.
type HistoryEntryDTO struct {
	EntryID       string    `json:"entry_id"`
	EntityID      string    `json:"entity_id"`
	Kind          string    `json:"kind"`
	Type          string    `json:"type"`
	Delta         int64     `json:"delta"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// HistoryResponse is one page of history, newest first.
type HistoryResponse struct {
	UserID  string            `json:"user_id"`
	Balance int64             `json:"balance"`
	Page    int               `json:"page"`
	Size    int               `json:"size"`
	Total   int               `json:"total"`
	Entries []HistoryEntryDTO `json:"entries"`
}

// RankDTO is a user's leaderboard position.
type RankDTO struct {
	UserID     string `json:"user_id"`
	Points     int64  `json:"points"`
	UsersAhead int    `json:"users_ahead"`
	Rank       int    `json:"rank"`
}

// HierarchyDTO is the approval chain for a kind, lowest rank first.
type HierarchyDTO struct {
	Kind         string   `json:"kind"`
	Roles        []string `json:"roles"`
	OverrideRole string   `json:"override_role"`
}

// ErrorResponse is returned for all failed requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntityDTO(e *approval.Entity) EntityDTO {
	timeline := make([]TimelineEventDTO, len(e.Timeline))
	for i, ev := range e.Timeline {
		timeline[i] = toEventDTO(ev)
	}
	return EntityDTO{
		ID:           string(e.ID),
		Kind:         string(e.Kind),
		OwnerID:      string(e.OwnerID),
		Status:       string(e.Status),
		Version:      e.Version,
		PointsValue:  e.PointsValue,
		Description:  e.Description,
		EvidenceRefs: e.EvidenceRefs,
		Timeline:     timeline,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func toEventDTO(ev approval.TimelineEvent) TimelineEventDTO {
	return TimelineEventDTO{
		Seq:       ev.Seq,
		Action:    string(ev.Action),
		From:      string(ev.From),
		To:        string(ev.To),
		ActorID:   string(ev.ActorID),
		ActorRole: string(ev.ActorRole),
		Reason:    ev.Reason,
		AttemptID: ev.AttemptID,
		At:        ev.At,
	}
}

func toEntryDTOs(entries []approval.LedgerEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = LedgerEntryDTO{
			ID:           string(e.ID),
			UserID:       string(e.UserID),
			EntityID:     string(e.EntityID),
			Type:         string(e.Type),
			Delta:        e.Delta,
			BalanceAfter: e.BalanceAfter,
			Reason:       e.Reason,
			CreatedAt:    e.CreatedAt,
		}
	}
	return out
}

func toHistoryResponse(p *approval.HistoryPage) HistoryResponse {
	entries := make([]HistoryEntryDTO, len(p.Entries))
	for i, e := range p.Entries {
		entries[i] = HistoryEntryDTO{
			EntryID:       string(e.EntryID),
			EntityID:      string(e.EntityID),
			Kind:          string(e.Kind),
			Type:          string(e.Type),
			Delta:         e.Delta,
			BalanceBefore: e.BalanceBefore,
			BalanceAfter:  e.BalanceAfter,
			Reason:        e.Reason,
			At:            e.At,
		}
	}
	return HistoryResponse{
		UserID:  string(p.UserID),
		Balance: p.Balance,
		Page:    p.Page,
		Size:    p.Size,
		Total:   p.Total,
		Entries: entries,
	}
}
