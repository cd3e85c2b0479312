package app

import (
	"context"
	"log"
	"strings"

	"wayfare/api/internal/auth"
	"wayfare/api/internal/collab"
	"wayfare/api/internal/config"
	"wayfare/api/internal/store"
)

// Session is the resolved identity for a request on the HTTP transport. The
// websocket transport carries identity in its handshake instead.
type Session struct {
	UserID   string
	UserName string
}

// ActionInput is the body of a collaboration write, multiplexed by Action.
type ActionInput struct {
	Action      string             `json:"action"`
	ElementID   string             `json:"elementId"`
	ElementType collab.ElementType `json:"elementType"`
}

// collabState is the durable presence/lock state consumed by both
// transports.
type collabState interface {
	SetPresence(ctx context.Context, planID, userID, userName string) error
	SetEditingLock(ctx context.Context, planID, userID, elementID string, elementType collab.ElementType) error
	ClearEditingLock(ctx context.Context, planID, elementID string) error
	Snapshot(ctx context.Context, planID string) collab.Snapshot
	Ping(ctx context.Context) error
}

// PlanAccess is the narrow view of the plan persistence layer this service
// needs. The collaboration core never reads or writes plan content.
type PlanAccess interface {
	PlanExists(ctx context.Context, planID string) (bool, error)
}

// UserDirectory resolves display names for identities that arrive without
// one.
type UserDirectory interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

type Service struct {
	cfg    config.Config
	collab collabState
	plans  PlanAccess    // nil when no database is configured
	users  UserDirectory // nil when no database is configured
}

func New(cfg config.Config, collabStore collabState, plans PlanAccess, users UserDirectory) *Service {
	return &Service{cfg: cfg, collab: collabStore, plans: plans, users: users}
}

// SessionFromToken verifies a bearer token and resolves the user's display
// name, falling back to the directory and then to "Anonymous".
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" && s.users != nil {
		if user, err := s.users.GetUserByID(ctx, claims.Sub); err == nil {
			name = user.DisplayName
		}
	}
	if name == "" {
		name = "Anonymous"
	}

	return Session{UserID: claims.Sub, UserName: name}, nil
}

// ResolveUserName is the websocket handshake's fallback when no userName
// query parameter was supplied.
func (s *Service) ResolveUserName(ctx context.Context, userID string) string {
	if s.users != nil {
		if user, err := s.users.GetUserByID(ctx, userID); err == nil && user.DisplayName != "" {
			return user.DisplayName
		}
	}
	return ""
}

// CollaborationSnapshot returns the current snapshot for a plan without
// mutating anything.
func (s *Service) CollaborationSnapshot(ctx context.Context, planID string) (collab.Snapshot, error) {
	if err := s.checkPlan(ctx, planID); err != nil {
		return collab.Snapshot{}, err
	}
	return s.collab.Snapshot(ctx, planID), nil
}

// ApplyCollaborationAction validates and applies one action, then returns
// the fresh snapshot. Validation failures mutate nothing. Store write
// failures degrade to the current (possibly empty) snapshot: collaboration
// is best-effort and must not fail the request.
func (s *Service) ApplyCollaborationAction(ctx context.Context, planID string, session Session, input ActionInput) (collab.Snapshot, error) {
	if err := s.checkPlan(ctx, planID); err != nil {
		return collab.Snapshot{}, err
	}

	switch input.Action {
	case "heartbeat":
		if err := s.collab.SetPresence(ctx, planID, session.UserID, session.UserName); err != nil {
			log.Printf("collab: heartbeat write failed for plan %s: %v", planID, err)
		}

	case "startEditing":
		if strings.TrimSpace(input.ElementID) == "" {
			return collab.Snapshot{}, validationError("elementId is required")
		}
		if !input.ElementType.Valid() {
			return collab.Snapshot{}, validationError("elementType must be one of event, branch, plan")
		}
		if err := s.collab.SetEditingLock(ctx, planID, session.UserID, input.ElementID, input.ElementType); err != nil {
			log.Printf("collab: lock write failed for plan %s: %v", planID, err)
		}

	case "stopEditing":
		if strings.TrimSpace(input.ElementID) == "" {
			return collab.Snapshot{}, validationError("elementId is required")
		}
		if err := s.collab.ClearEditingLock(ctx, planID, input.ElementID); err != nil {
			log.Printf("collab: lock clear failed for plan %s: %v", planID, err)
		}

	default:
		return collab.Snapshot{}, validationError("unrecognized action")
	}

	return s.collab.Snapshot(ctx, planID), nil
}

// checkPlan rejects requests for plans that do not exist. A failing plan
// store does not block collaboration; the check is skipped rather than
// treated as fatal.
func (s *Service) checkPlan(ctx context.Context, planID string) error {
	if strings.TrimSpace(planID) == "" {
		return validationError("planId is required")
	}
	if s.plans == nil {
		return nil
	}
	exists, err := s.plans.PlanExists(ctx, planID)
	if err != nil {
		log.Printf("collab: plan lookup failed for %s: %v", planID, err)
		return nil
	}
	if !exists {
		return planNotFound(planID)
	}
	return nil
}

// Ping reports whether the collaboration state store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.collab.Ping(ctx)
}
