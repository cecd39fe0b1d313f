package engine

import (
	"context"
	"errors"
	"sort"

	"reqline/internal/events"
	"reqline/internal/repo"
	"reqline/internal/session"
)

// ErrNoSessions is returned when the engine has no session store attached.
var ErrNoSessions = errors.New("session store not configured")

type actorKey struct{}

// WithActor tags ctx with the acting principal for audit events.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext returns the actor set by WithActor, or "".
func ActorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// GetSession returns the record for id, or repo.ErrNotFound.
func (e Engine) GetSession(id string) (session.Record, error) {
	if e.Sessions == nil {
		return nil, ErrNoSessions
	}
	rec, ok := e.Sessions.Get(id)
	if !ok {
		return nil, repo.ErrNotFound
	}
	return rec, nil
}

// ListSessions returns known session ids.
func (e Engine) ListSessions() ([]string, error) {
	if e.Sessions == nil {
		return nil, ErrNoSessions
	}
	return e.Sessions.IDs(), nil
}

// SetSession replaces the record for id.
func (e Engine) SetSession(ctx context.Context, id string, rec session.Record) error {
	if e.Sessions == nil {
		return ErrNoSessions
	}
	if err := e.Sessions.Set(id, rec); err != nil {
		return err
	}
	e.audit(ctx, events.TypeSessionSet, id, rec)
	return nil
}

// MergeSession overwrites the top-level keys of partial onto the record for id.
func (e Engine) MergeSession(ctx context.Context, id string, partial session.Record) error {
	if e.Sessions == nil {
		return ErrNoSessions
	}
	if err := e.Sessions.Merge(id, partial); err != nil {
		return err
	}
	e.audit(ctx, events.TypeSessionMerge, id, partial)
	return nil
}

// Audit appends an event outside any session. Failures are logged.
func (e Engine) Audit(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) {
	if e.DB == nil {
		return
	}
	if err := e.Events.Append(ctx, nil, evtType, "", entityKind, entityID, ActorFromContext(ctx), payload); err != nil {
		e.logger().Printf("pipeline: audit %s: %v", evtType, err)
	}
}

func (e Engine) audit(ctx context.Context, evtType, id string, rec session.Record) {
	if e.DB == nil {
		return
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := e.Events.Append(ctx, nil, evtType, id, "session", id, ActorFromContext(ctx), events.EventPayload{"keys": keys}); err != nil {
		e.logger().Printf("pipeline: audit %s for %s: %v", evtType, id, err)
	}
}
