package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/identity"
	"github.com/smallbiznis/carehub/internal/livesync"
	"github.com/smallbiznis/carehub/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultOpenTimeout = 10 * time.Second

type Params struct {
	fx.In

	Gate    *identity.Gate
	Store   docstore.Store
	Log     *zap.Logger
	Metrics *metrics.SyncMetrics `optional:"true"`
}

// Registry keeps at most one open session per principal.
type Registry struct {
	gate    *identity.Gate
	store   docstore.Store
	log     *zap.Logger
	metrics *metrics.SyncMetrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(p Params) *Registry {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		gate:     p.Gate,
		store:    p.Store,
		log:      log,
		metrics:  p.Metrics,
		sessions: make(map[string]*Session),
	}
}

// Open returns the principal's session, signing them in when none is open.
// It waits for the first profile delivery so the caller sees a settled
// state.
func (r *Registry) Open(ctx context.Context, principal identity.Principal) (*Session, error) {
	if principal.ID == "" {
		return nil, identity.ErrInvalidPrincipal
	}
	if s, ok := r.Get(principal.ID); ok {
		return s, nil
	}

	s := newSession(principal, r.store, livesync.Options{Log: r.log, Metrics: r.metrics})
	sub, err := r.gate.Watch(ctx, principal, s.onProfile, s.onProfileError)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.attach(sub)

	waitCtx, cancel := context.WithTimeout(ctx, defaultOpenTimeout)
	defer cancel()
	if err := s.wait(waitCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}

	r.mu.Lock()
	if existing, ok := r.sessions[principal.ID]; ok && existing.State() != StateClosed {
		// Lost a race with a concurrent sign-in.
		r.mu.Unlock()
		s.Close()
		return existing, nil
	}
	r.sessions[principal.ID] = s
	r.mu.Unlock()

	r.log.Info("session opened",
		zap.String("principal_id", principal.ID),
		zap.String("state", string(s.State())),
	)
	return s, nil
}

func (r *Registry) Get(principalID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[principalID]
	if !ok {
		return nil, false
	}
	if s.State() == StateClosed {
		delete(r.sessions, principalID)
		return nil, false
	}
	return s, true
}

// Close logs the principal out. Closing an unknown principal is a no-op.
func (r *Registry) Close(principalID string) {
	r.mu.Lock()
	s, ok := r.sessions[principalID]
	delete(r.sessions, principalID)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll logs every principal out.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
