// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package credentials issues short-lived, stage-scoped credentials. Tokens
// are signed JWTs tracked in an in-memory ledger and are never persisted.
package credentials

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/karlseguin/ccache/v2"
	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetCredentialsLogger()
		log = &l
	})
	return log
}

// Claims is the JWT payload of a stage credential.
type Claims struct {
	Stage       string       `json:"stage"`
	Environment string       `json:"env"`
	Permissions []Permission `json:"permissions"`
	jwt.RegisteredClaims
}

// stagePolicy lists the grants of each stage that may hold a credential.
// The approval stage runs no tool and gets none.
var stagePolicy = map[models.StageKind][]Permission{
	models.StageValidate: {PermSourceRead},
	models.StagePlan:     {PermSourceRead, PermStateRead},
	models.StageApply:    {PermSourceRead, PermStateRead, PermStateWrite, PermStateLock},
}

// Broker resolves and revokes scoped credentials.
type Broker struct {
	key          []byte
	issuer       string
	ttl          map[models.StageKind]time.Duration
	environments map[string]struct{}
	ledger       *ccache.Cache
	now          func() time.Time
}

// Option customizes a Broker.
type Option func(*Broker)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates a broker for the configured environments. A missing
// signing key is not an error here; every Resolve fails closed instead.
func NewBroker(cfg config.CredentialsConfig, environments map[string]config.EnvironmentConfig, opts ...Option) *Broker {
	size := cfg.LedgerSize
	if size <= 0 {
		size = 10000
	}
	b := &Broker{
		key:          []byte(cfg.SigningKey),
		issuer:       cfg.Issuer,
		ttl:          make(map[models.StageKind]time.Duration),
		environments: make(map[string]struct{}, len(environments)),
		ledger:       ccache.New(ccache.Configure().MaxSize(size).ItemsToPrune(100)),
		now:          time.Now,
	}
	for stage, d := range cfg.TTL {
		var kind models.StageKind
		if err := kind.UnmarshalText([]byte(strings.ToUpper(stage))); err == nil {
			b.ttl[kind] = d
		}
	}
	for name := range environments {
		b.environments[name] = struct{}{}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Resolve issues a credential for stage in environment.
func (b *Broker) Resolve(ctx context.Context, stage models.StageKind, environment string) (*ScopedCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(b.key) == 0 {
		return nil, resolutionError("no signing key configured")
	}
	if _, ok := b.environments[environment]; !ok {
		return nil, resolutionError("unknown environment %q", environment)
	}
	perms, ok := stagePolicy[stage]
	if !ok {
		return nil, resolutionError("stage %s has no credential policy", stage)
	}
	ttl := b.ttl[stage]
	if ttl <= 0 {
		return nil, resolutionError("stage %s has no credential ttl", stage)
	}

	now := b.now().UTC().Truncate(time.Second)
	cred := &ScopedCredential{
		ID:          uuid.New().String(),
		Stage:       stage,
		Environment: environment,
		Permissions: append([]Permission(nil), perms...),
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	claims := &Claims{
		Stage:       stage.String(),
		Environment: environment,
		Permissions: cred.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.ID,
			Issuer:    b.issuer,
			Subject:   fmt.Sprintf("%s/%s", environment, stage),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.key)
	if err != nil {
		return nil, resolutionError("sign token: %v", err)
	}
	cred.Token = token

	b.ledger.Set(cred.ID, cred, ttl)

	getLog().Debug().Object("credential", cred).Msg("Credential issued")
	return cred, nil
}

// Revoke removes a credential from the ledger. Revoking nil or an already
// revoked credential is a no-op.
func (b *Broker) Revoke(cred *ScopedCredential) {
	if cred == nil {
		return
	}
	if b.ledger.Delete(cred.ID) {
		getLog().Debug().Str("id", cred.ID).Msg("Credential revoked")
	}
}

// Verify checks the signature, expiry and ledger entry of token.
func (b *Broker) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return b.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(b.now),
		jwt.WithIssuer(b.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	item := b.ledger.Get(claims.ID)
	if item == nil || item.Expired() {
		return nil, fmt.Errorf("%w: credential %s is not active", ErrInvalidToken, claims.ID)
	}
	return claims, nil
}

// Active is the number of ledger entries, revoked ones excluded.
func (b *Broker) Active() int {
	return b.ledger.ItemCount()
}

// Close stops the ledger's background worker.
func (b *Broker) Close() {
	b.ledger.Stop()
}
