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
// Package housekeeping removes grant rows that expired long ago. Expired
// grants are already ignored by resolution; this only reclaims storage.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opentrusty/accessgate/internal/audit"
	"github.com/opentrusty/accessgate/internal/observability/logger"
)

// Store is implemented by grant stores that can delete expired rows.
type Store interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Purger deletes grants whose expiry is older than the retention window.
type Purger struct {
	store       Store
	retention   time.Duration
	auditLogger audit.Logger
	logger      *slog.Logger
	now         func() time.Time
}

// NewPurger creates a purger. A nil audit logger discards events.
func NewPurger(store Store, retention time.Duration, auditLogger audit.Logger, log *slog.Logger) *Purger {
	if auditLogger == nil {
		auditLogger = audit.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Purger{
		store:       store,
		retention:   retention,
		auditLogger: auditLogger,
		logger:      log.With(logger.Component("housekeeping")),
		now:         time.Now,
	}
}

// Run performs one purge pass and returns the number of rows removed.
func (p *Purger) Run(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)

	n, err := p.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired grants: %w", err)
	}

	p.logger.InfoContext(ctx, "purged expired grants",
		logger.Operation("purge"),
		slog.Int64("rows", n),
		slog.Time("cutoff", cutoff),
	)
	if n > 0 {
		p.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeGrantsPurged,
			ActorID:  "system",
			Metadata: map[string]any{"rows": n, "cutoff": cutoff.UTC().Format(time.RFC3339)},
		})
	}
	return n, nil
}

// Schedule registers Run on a standard five-field cron spec and starts the
// scheduler. Stop the returned scheduler on shutdown.
func (p *Purger) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := p.Run(ctx); err != nil {
			p.logger.ErrorContext(ctx, "scheduled purge failed", logger.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
