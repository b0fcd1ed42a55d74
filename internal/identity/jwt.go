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

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/observability/logger"
)

// Claims is the token payload: the standard claims plus the platform role.
type Claims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
}

// JWTConfig configures token verification.
type JWTConfig struct {
	// Secret enables HS256 verification with a shared key.
	Secret string
	// JWKSURL enables RS256/ES256 verification against a remote key set.
	JWKSURL string
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Leeway tolerates clock skew on exp/nbf.
	Leeway time.Duration
	// RefreshInterval controls JWKS background refresh.
	RefreshInterval time.Duration
	// HTTPTimeout bounds JWKS fetches.
	HTTPTimeout time.Duration
}

// JWTProvider verifies signed JWTs.
type JWTProvider struct {
	keyfunc func(ctx context.Context) jwt.Keyfunc
	methods []string
	issuer  string
	leeway  time.Duration
	logger  *slog.Logger
}

// NewJWTProvider builds a provider from cfg. JWKS takes precedence over a
// shared secret when both are set.
func NewJWTProvider(ctx context.Context, cfg JWTConfig, log *slog.Logger) (*JWTProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(logger.Component("identity"))

	switch {
	case cfg.JWKSURL != "":
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
			Client:                    &http.Client{Timeout: timeout},
			Ctx:                       ctx,
			NoErrorReturnFirstHTTPReq: true,
			RefreshInterval:           cfg.RefreshInterval,
			RefreshErrorHandler: func(_ context.Context, err error) {
				log.Error("failed to refresh JWKS", logger.Error(err), slog.String("url", cfg.JWKSURL))
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS storage: %w", err)
		}
		kf, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
		if err != nil {
			return nil, fmt.Errorf("failed to create keyfunc: %w", err)
		}
		return NewJWTProviderWithKeyfunc(kf, cfg.Issuer, cfg.Leeway, log), nil

	case cfg.Secret != "":
		secret := []byte(cfg.Secret)
		return &JWTProvider{
			keyfunc: func(context.Context) jwt.Keyfunc {
				return func(*jwt.Token) (any, error) { return secret, nil }
			},
			methods: []string{jwt.SigningMethodHS256.Alg()},
			issuer:  cfg.Issuer,
			leeway:  cfg.Leeway,
			logger:  log,
		}, nil

	default:
		return nil, errors.New("either a JWT secret or a JWKS URL is required")
	}
}

// NewJWTProviderWithKeyfunc builds an asymmetric-key provider from kf.
func NewJWTProviderWithKeyfunc(kf keyfunc.Keyfunc, issuer string, leeway time.Duration, log *slog.Logger) *JWTProvider {
	if log == nil {
		log = slog.Default()
	}
	return &JWTProvider{
		keyfunc: kf.KeyfuncCtx,
		methods: []string{
			jwt.SigningMethodRS256.Alg(),
			jwt.SigningMethodES256.Alg(),
		},
		issuer: issuer,
		leeway: leeway,
		logger: log,
	}
}

// Authenticate verifies bearer and returns its identity. The role claim must
// name a known role.
func (p *JWTProvider) Authenticate(ctx context.Context, bearer string) (*Identity, error) {
	if bearer == "" {
		return nil, ErrAuthenticationMissing
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(p.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(p.leeway),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(bearer, claims, p.keyfunc(ctx), opts...)
	if err != nil || !token.Valid {
		p.logger.DebugContext(ctx, "token verification failed", logger.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	role, err := authz.ParseRole(claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	return &Identity{UserID: claims.Subject, Role: role, Email: claims.Email}, nil
}
