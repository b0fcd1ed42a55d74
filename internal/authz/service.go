// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opentrusty/accessgate/internal/audit"
	"github.com/opentrusty/accessgate/internal/monitor"
	"github.com/opentrusty/accessgate/internal/observability/logger"
	"github.com/opentrusty/accessgate/internal/observability/metrics"
	"github.com/opentrusty/accessgate/internal/observability/tracing"
	"github.com/opentrusty/accessgate/internal/permission"
)

// Service is the entry point for permission checks and grant administration.
// It puts the decision cache in front of the resolver, records every check
// in the access monitor and keeps the cache coherent with grant mutations.
type Service struct {
	store       GrantStore
	resolver    *Resolver
	hierarchy   *Hierarchy
	cache       *DecisionCache
	monitor     *monitor.Monitor
	publisher   InvalidationPublisher
	auditLogger audit.Logger
	instruments *metrics.AccessInstruments
	tracer      *tracing.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHierarchy replaces the built-in role table.
func WithHierarchy(h *Hierarchy) Option {
	return func(s *Service) { s.hierarchy = h }
}

// WithPublisher fans invalidations out to other replicas.
func WithPublisher(p InvalidationPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithAuditLogger sets the audit sink for grant mutations.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Service) { s.auditLogger = l }
}

// WithInstruments sets the OTel check instruments.
func WithInstruments(i *metrics.AccessInstruments) Option {
	return func(s *Service) { s.instruments = i }
}

// WithTracer sets the tracer used for resolution spans.
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source used for expiry and grant timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new authorization service
func NewService(store GrantStore, cache *DecisionCache, mon *monitor.Monitor, opts ...Option) *Service {
	s := &Service{
		store:       store,
		cache:       cache,
		monitor:     mon,
		auditLogger: audit.Nop{},
		tracer:      tracing.Noop(),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = NewDecisionCache(0, DefaultCacheTTL)
	}
	if s.monitor == nil {
		s.monitor = monitor.New(monitor.DefaultCapacity)
	}
	if s.hierarchy == nil {
		s.hierarchy = DefaultHierarchy()
	}
	s.logger = s.logger.With(logger.Component("authz"))
	s.resolver = NewResolver(store, s.hierarchy)
	s.resolver.now = s.now
	s.cache.now = s.now
	return s
}

// Hierarchy returns the role table in use.
func (s *Service) Hierarchy() *Hierarchy {
	return s.hierarchy
}

// Cache returns the decision cache, for wiring cross-replica invalidation.
func (s *Service) Cache() *DecisionCache {
	return s.cache
}

// Resolve decides whether subject holds required. Store failures yield a
// deny with reason store_unavailable.
func (s *Service) Resolve(ctx context.Context, subject Subject, required permission.Key) Decision {
	start := time.Now()
	ctx, span := s.tracer.StartResolve(ctx, subject.UserID, string(subject.Role), required.String())

	d, err := s.resolve(ctx, subject, required)

	elapsed := time.Since(start)
	s.observe(ctx, subject, d, err, start, elapsed)
	tracing.EndResolve(span, d.Allowed, d.Reason, d.CacheHit, err)
	return d
}

func (s *Service) resolve(ctx context.Context, subject Subject, required permission.Key) (Decision, error) {
	if d, ok := s.cache.Get(subject, required); ok {
		return d, nil
	}

	// Read before the store so a concurrent mutation rejects our Put.
	generation := s.cache.Generation(subject.UserID)

	d, err := s.resolver.Resolve(ctx, subject, required)
	if err != nil {
		return d, err
	}
	s.cache.Put(subject, required, d, generation)
	return d, nil
}

func (s *Service) observe(ctx context.Context, subject Subject, d Decision, err error, start time.Time, elapsed time.Duration) {
	rec := monitor.CheckRecord{
		Timestamp:  start,
		Permission: d.Permission.String(),
		UserID:     subject.UserID,
		Success:    d.Allowed,
		Duration:   elapsed,
		CacheHit:   d.CacheHit,
	}
	if err != nil {
		rec.Error = d.Reason
	}
	s.monitor.Record(rec)
	s.instruments.RecordCheck(ctx, d.Allowed, d.CacheHit, err != nil, elapsed)

	switch {
	case err != nil:
		s.logger.ErrorContext(ctx, "permission check failed closed",
			logger.UserID(subject.UserID),
			logger.Permission(d.Permission.String()),
			logger.Reason(d.Reason),
			logger.Error(err),
		)
	case !d.Allowed:
		s.logger.DebugContext(ctx, "permission denied",
			logger.UserID(subject.UserID),
			logger.Role(string(subject.Role)),
			logger.Permission(d.Permission.String()),
			logger.Allowed(d.Allowed),
			logger.Reason(d.Reason),
			logger.CacheHit(d.CacheHit),
		)
	}
}

// ResolveAny allows when at least one of required is held. It stops at the
// first allow. An empty set is denied.
func (s *Service) ResolveAny(ctx context.Context, subject Subject, required []permission.Key) Decision {
	if len(required) == 0 {
		return Decision{Reason: ReasonNoPermissions}
	}
	var denied Decision
	for i, k := range required {
		d := s.Resolve(ctx, subject, k)
		if d.Allowed {
			return d
		}
		// A store failure outranks an ordinary miss in the reported reason.
		if i == 0 || d.Reason == ReasonStoreUnavailable {
			denied = d
		}
	}
	return denied
}

// ResolveAll allows only when every key in required is held. It stops at the
// first deny. An empty set is denied.
func (s *Service) ResolveAll(ctx context.Context, subject Subject, required []permission.Key) Decision {
	if len(required) == 0 {
		return Decision{Reason: ReasonNoPermissions}
	}
	var last Decision
	for _, k := range required {
		last = s.Resolve(ctx, subject, k)
		if !last.Allowed {
			return last
		}
	}
	return last
}

// MetricsSummary returns the access monitor summary.
func (s *Service) MetricsSummary() monitor.Summary {
	return s.monitor.Summary()
}

// ListGrants returns the user's explicit grants, expired ones included.
func (s *Service) ListGrants(ctx context.Context, userID string) ([]*Grant, error) {
	grants, err := s.store.ListGrants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list grants: %v", ErrStoreUnavailable, err)
	}
	return grants, nil
}

// UpsertGrant creates or replaces the user's grant for req.Permission. The
// user's cached decisions are gone by the time it returns.
func (s *Service) UpsertGrant(ctx context.Context, req GrantRequest) (*Grant, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidGrant)
	}
	if req.Permission.IsZero() {
		return nil, fmt.Errorf("%w: permission is required", ErrInvalidGrant)
	}
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidGrant)
	}

	grant := &Grant{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Permission: req.Permission,
		GrantedBy:  req.GrantedBy,
		GrantedAt:  now,
		ExpiresAt:  req.ExpiresAt,
	}
	stored, err := s.store.UpsertGrant(ctx, grant)
	// Invalidate even on error; the write may have landed.
	s.invalidate(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert grant: %v", ErrStoreUnavailable, err)
	}

	meta := map[string]any{"grant_id": stored.ID}
	if stored.ExpiresAt != nil {
		meta["expires_at"] = stored.ExpiresAt.UTC().Format(time.RFC3339)
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeGrantUpserted,
		ActorID:   req.GrantedBy,
		SubjectID: req.UserID,
		Resource:  stored.Permission.String(),
		Metadata:  meta,
	})
	return stored, nil
}

// RevokeGrant deletes the user's grant for perm. Role defaults are not
// affected.
func (s *Service) RevokeGrant(ctx context.Context, actorID, userID string, perm permission.Key) error {
	err := s.store.DeleteGrant(ctx, userID, perm)
	s.invalidate(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return err
		}
		return fmt.Errorf("%w: delete grant: %v", ErrStoreUnavailable, err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeGrantRevoked,
		ActorID:   actorID,
		SubjectID: userID,
		Resource:  perm.String(),
	})
	return nil
}

// ResetToDefaults removes every explicit grant for the user so only the
// role defaults remain.
func (s *Service) ResetToDefaults(ctx context.Context, actorID, userID string) error {
	err := s.store.DeleteGrants(ctx, userID)
	s.invalidate(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: delete grants: %v", ErrStoreUnavailable, err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeGrantsReset,
		ActorID:   actorID,
		SubjectID: userID,
	})
	return nil
}

// PurgeCache drops every cached decision on this replica and its peers.
// Operators use it after changing role defaults in the store, which no
// per-user invalidation covers.
func (s *Service) PurgeCache(ctx context.Context, actorID string) {
	dropped := s.cache.Len()
	s.cache.Purge()
	if s.publisher != nil {
		if err := s.publisher.PublishPurge(ctx); err != nil {
			s.logger.WarnContext(ctx, "failed to publish cache purge", logger.Error(err))
		}
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeCachePurged,
		ActorID:  actorID,
		Metadata: map[string]any{"entries": dropped},
	})
}

// invalidate clears the user's local entries synchronously, then tells the
// other replicas. A publish failure leaves peers on TTL expiry.
func (s *Service) invalidate(ctx context.Context, userID string) {
	s.cache.InvalidateUser(userID)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishInvalidation(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "failed to publish cache invalidation",
			logger.UserID(userID),
			logger.Error(err),
		)
	}
}
