package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/registry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidPrincipal = errors.New("invalid_principal")

var Module = fx.Module("identity",
	fx.Provide(NewGate),
)

type Params struct {
	fx.In

	Store docstore.Store
	Log   *zap.Logger
}

// Gate resolves principals to profiles.
type Gate struct {
	store docstore.Store
	log   *zap.Logger
}

func NewGate(p Params) *Gate {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{store: p.Store, log: log.Named("identity.gate")}
}

// Ensure creates the profile on first sign-in. Fields an earlier sign-in or
// an administrator already wrote are left alone, so two concurrent first
// sign-ins converge on a single pending profile.
func (g *Gate) Ensure(ctx context.Context, principal Principal) (Profile, error) {
	id := strings.TrimSpace(principal.ID)
	if id == "" {
		return Profile{}, ErrInvalidPrincipal
	}
	displayName := strings.TrimSpace(principal.DisplayName)
	if displayName == "" {
		displayName = "Staff Member"
	}

	doc, err := g.store.SetMissing(ctx, registry.Users, id, docstore.Fields{
		"email":       strings.TrimSpace(principal.Email),
		"displayName": displayName,
		"role":        string(RolePending),
		"isActive":    false,
		"createdAt":   docstore.ServerTimestamp(),
	})
	if err != nil {
		return Profile{}, fmt.Errorf("ensure profile: %w", err)
	}
	return ProfileFromDocument(doc), nil
}

// Watch ensures the profile and then republishes every change to it until
// the returned subscription is closed.
func (g *Gate) Watch(ctx context.Context, principal Principal, onProfile func(Profile), onError func(error)) (docstore.Subscription, error) {
	if _, err := g.Ensure(ctx, principal); err != nil {
		return nil, err
	}

	log := g.log.With(zap.String("principal_id", principal.ID))
	return g.store.SubscribeDocument(registry.Users, strings.TrimSpace(principal.ID),
		func(doc docstore.Document, exists bool) {
			if !exists {
				// Profiles are never deleted; wait for the next change.
				log.Warn("profile document missing")
				return
			}
			onProfile(ProfileFromDocument(doc))
		},
		func(err error) {
			log.Warn("profile feed failed", zap.Error(err))
			if onError != nil {
				onError(err)
			}
		},
	)
}
