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

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/observability/logger"
	"github.com/opentrusty/accessgate/internal/permission"
)

// GrantRepository implements authz.GrantStore
type GrantRepository struct {
	db     *DB
	logger *slog.Logger
}

// NewGrantRepository creates a new grant repository
func NewGrantRepository(db *DB, log *slog.Logger) *GrantRepository {
	if log == nil {
		log = slog.Default()
	}
	return &GrantRepository{db: db, logger: log.With(logger.Component("grant_repository"))}
}

// ListGrants retrieves every grant for a user, expired ones included.
// Rows holding a malformed permission are skipped and logged; they can
// never grant access.
func (r *GrantRepository) ListGrants(ctx context.Context, userID string) ([]*authz.Grant, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id::text, user_id, permission, granted_by, granted_at, expires_at
		FROM permission_grants
		WHERE user_id = $1
		ORDER BY granted_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []*authz.Grant
	for rows.Next() {
		var (
			g         authz.Grant
			raw       string
			expiresAt *time.Time
		)
		if err := rows.Scan(&g.ID, &g.UserID, &raw, &g.GrantedBy, &g.GrantedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		key, err := permission.Parse(raw)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping malformed grant",
				logger.UserID(userID),
				logger.Permission(raw),
				logger.Error(err),
			)
			continue
		}
		g.Permission = key
		g.ExpiresAt = expiresAt
		grants = append(grants, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grants: %w", err)
	}

	return grants, nil
}

// ListRoleDefaults retrieves the operator-configured defaults for a role.
func (r *GrantRepository) ListRoleDefaults(ctx context.Context, role authz.Role) ([]permission.Key, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT permission FROM role_permissions WHERE role = $1 ORDER BY permission
	`, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to list role defaults: %w", err)
	}
	defer rows.Close()

	var keys []permission.Key
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan role default: %w", err)
		}
		key, err := permission.Parse(raw)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping malformed role default",
				logger.Role(string(role)),
				logger.Permission(raw),
				logger.Error(err),
			)
			continue
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate role defaults: %w", err)
	}

	return keys, nil
}

// SetRoleDefault adds a configured default for role.
func (r *GrantRepository) SetRoleDefault(ctx context.Context, role authz.Role, key permission.Key) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO role_permissions (role, permission) VALUES ($1, $2)
		ON CONFLICT (role, permission) DO NOTHING
	`, string(role), key.String())
	if err != nil {
		return fmt.Errorf("failed to set role default: %w", err)
	}
	return nil
}

// UpsertGrant creates the grant or replaces the existing (user, permission)
// row, keeping its ID.
func (r *GrantRepository) UpsertGrant(ctx context.Context, grant *authz.Grant) (*authz.Grant, error) {
	var (
		stored    authz.Grant
		raw       string
		expiresAt *time.Time
	)
	err := r.db.pool.QueryRow(ctx, `
		INSERT INTO permission_grants (
			id, user_id, permission, granted_by, granted_at, expires_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, permission) DO UPDATE SET
			granted_by = EXCLUDED.granted_by,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at
		RETURNING id::text, user_id, permission, granted_by, granted_at, expires_at
	`,
		grant.ID, grant.UserID, grant.Permission.String(), grant.GrantedBy,
		grant.GrantedAt, grant.ExpiresAt,
	).Scan(&stored.ID, &stored.UserID, &raw, &stored.GrantedBy, &stored.GrantedAt, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert grant: %w", err)
	}

	stored.Permission = grant.Permission
	stored.ExpiresAt = expiresAt
	return &stored, nil
}

// DeleteGrant deletes one grant
func (r *GrantRepository) DeleteGrant(ctx context.Context, userID string, perm permission.Key) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM permission_grants WHERE user_id = $1 AND permission = $2
	`, userID, perm.String())
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}

	if result.RowsAffected() == 0 {
		return authz.ErrGrantNotFound
	}

	return nil
}

// DeleteGrants deletes all grants of a user
func (r *GrantRepository) DeleteGrants(ctx context.Context, userID string) error {
	_, err := r.db.pool.Exec(ctx, `DELETE FROM permission_grants WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete grants: %w", err)
	}
	return nil
}

// PurgeExpired deletes grants that expired before cutoff. Resolution never
// depends on this; expired rows are already ignored.
func (r *GrantRepository) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM permission_grants WHERE expires_at IS NOT NULL AND expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired grants: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetGrant retrieves a single grant
func (r *GrantRepository) GetGrant(ctx context.Context, userID string, perm permission.Key) (*authz.Grant, error) {
	var (
		g         authz.Grant
		expiresAt *time.Time
	)
	err := r.db.pool.QueryRow(ctx, `
		SELECT id::text, user_id, granted_by, granted_at, expires_at
		FROM permission_grants
		WHERE user_id = $1 AND permission = $2
	`, userID, perm.String()).Scan(&g.ID, &g.UserID, &g.GrantedBy, &g.GrantedAt, &expiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, authz.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	g.Permission = perm
	g.ExpiresAt = expiresAt
	return &g, nil
}
