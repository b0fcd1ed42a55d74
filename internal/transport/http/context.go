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

package http

import (
	"context"

	"github.com/opentrusty/accessgate/internal/identity"
	"github.com/opentrusty/accessgate/internal/routeguard"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	outcomeKey  contextKey = "guard_outcome"
)

// withIdentity stores the verified caller in ctx.
func withIdentity(ctx context.Context, id *identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the authenticated caller from context, or nil.
func GetIdentity(ctx context.Context) *identity.Identity {
	if val, ok := ctx.Value(identityKey).(*identity.Identity); ok {
		return val
	}
	return nil
}

// GetUserID retrieves the authenticated User ID from context.
func GetUserID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.UserID
	}
	return ""
}

func withOutcome(ctx context.Context, out routeguard.Outcome) context.Context {
	return context.WithValue(ctx, outcomeKey, out)
}

// GetOutcome retrieves the page guard verdict for the current request.
func GetOutcome(ctx context.Context) (routeguard.Outcome, bool) {
	out, ok := ctx.Value(outcomeKey).(routeguard.Outcome)
	return out, ok
}
