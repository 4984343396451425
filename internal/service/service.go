package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"pharmaweb/backend/internal/alerts"
	"pharmaweb/backend/internal/basket"
	"pharmaweb/backend/internal/checkout"
	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/events"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

var ErrInvalidManagerPIN = errors.New("invalid manager pin")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Dependencies are the collaborators New wires around the repository. Nil
// fields get in-process defaults.
type Dependencies struct {
	Baskets     *basket.Manager
	Committer   *checkout.Committer
	Alerts      *alerts.Engine
	Events      events.Publisher
	VerifyPIN   func(pin string) bool
	MaxAttempts int
}

type Service struct {
	repo      store.Repository
	baskets   *basket.Manager
	committer *checkout.Committer
	alerts    *alerts.Engine
	events    events.Publisher
	verifyPIN func(pin string) bool
	now       func() time.Time
}

func New(repo store.Repository, deps Dependencies) *Service {
	if deps.Baskets == nil {
		deps.Baskets = basket.NewManager(repo, basket.NewMemorySessionStore(), 0)
	}
	if deps.Committer == nil {
		deps.Committer = checkout.NewCommitter(repo, deps.MaxAttempts)
	}
	if deps.Alerts == nil {
		deps.Alerts = alerts.NewEngine(nil, 0)
	}
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if deps.VerifyPIN == nil {
		deps.VerifyPIN = func(string) bool { return false }
	}

	return &Service{
		repo:      repo,
		baskets:   deps.Baskets,
		committer: deps.Committer,
		alerts:    deps.Alerts,
		events:    deps.Events,
		verifyPIN: deps.VerifyPIN,
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	_, err := s.repo.GetSettings(ctx)
	return err
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, entityID string, actor string, payload any) {
	err := s.events.Publish(ctx, events.Event{
		Type:       eventType,
		EntityID:   entityID,
		Actor:      actor,
		Payload:    payload,
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		log.Printf("[events] WARN: publish %s for %s failed: %v", eventType, entityID, err)
	}
}

// stockChanged drops cached alerts once stock moved.
func (s *Service) stockChanged(ctx context.Context) {
	s.alerts.Invalidate(ctx, s.now().UTC())
}

func (s *Service) pharmacySettings(ctx context.Context) domain.PharmacySettings {
	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		log.Printf("[service] WARN: load pharmacy settings: %v", err)
		return store.DefaultSettings()
	}
	return settings
}

// parseDay resolves a YYYY-MM-DD value to the start of that UTC day. An empty
// value means today.
func (s *Service) parseDay(date string) (time.Time, error) {
	if strings.TrimSpace(date) == "" {
		now := s.now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, store.ErrInvalidTransaction
	}
	return parsed.UTC(), nil
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func trimPtr(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func clampLimit(limit int, fallback int, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
