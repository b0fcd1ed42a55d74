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

// Package identity turns a bearer credential into a verified user and role.
package identity

import (
	"context"
	"errors"

	"github.com/opentrusty/accessgate/internal/authz"
)

// Domain errors
var (
	// ErrAuthenticationMissing means no credential was presented.
	ErrAuthenticationMissing = errors.New("authentication missing")

	// ErrInvalidCredential means a credential was presented but did not verify.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Identity is a verified caller.
type Identity struct {
	UserID string
	Role   authz.Role
	Email  string
}

// Subject returns the authorization subject for the identity.
func (i *Identity) Subject() authz.Subject {
	return authz.Subject{UserID: i.UserID, Role: i.Role}
}

// Provider verifies bearer credentials.
type Provider interface {
	Authenticate(ctx context.Context, bearer string) (*Identity, error)
}

// StaticProvider maps fixed tokens to identities. Used in development
// and tests.
type StaticProvider map[string]Identity

// Authenticate implements Provider.
func (p StaticProvider) Authenticate(_ context.Context, bearer string) (*Identity, error) {
	if bearer == "" {
		return nil, ErrAuthenticationMissing
	}
	id, ok := p[bearer]
	if !ok {
		return nil, ErrInvalidCredential
	}
	return &id, nil
}
