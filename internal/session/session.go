// Package session holds everything one signed-in principal sees: the live
// profile, the focused module and the category tables behind it.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/identity"
	"github.com/smallbiznis/carehub/internal/livesync"
	"github.com/smallbiznis/carehub/internal/registry"
	"go.uber.org/zap"
)

var (
	ErrAwaitingActivation = errors.New("awaiting_activation")
	ErrSessionClosed      = errors.New("session_closed")
)

type State string

const (
	StateAwaitingActivation State = "awaiting_activation"
	StateActive             State = "active"
	StateClosed             State = "closed"
)

// Session is safe for concurrent use. Listeners registered with OnChange
// run on feed goroutines and must not call Close.
type Session struct {
	principal identity.Principal
	store     docstore.Store
	syncOpts  livesync.Options
	log       *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.RWMutex
	profile    identity.Profile
	manager    *livesync.Manager
	focus      string
	profileSub docstore.Subscription
	profileErr error
	listeners  map[uint64]func(livesync.Change)
	cancels    []func()
	nextID     uint64
	closed     bool
}

func newSession(principal identity.Principal, store docstore.Store, opts livesync.Options) *Session {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		principal: principal,
		store:     store,
		syncOpts:  opts,
		log:       log.Named("session").With(zap.String("principal_id", principal.ID)),
		ready:     make(chan struct{}),
		focus:     registry.Default().ID,
		listeners: make(map[uint64]func(livesync.Change)),
	}
}

func (s *Session) Principal() identity.Principal {
	return s.principal
}

func (s *Session) Profile() identity.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.closed:
		return StateClosed
	case s.manager == nil:
		return StateAwaitingActivation
	default:
		return StateActive
	}
}

func (s *Session) Focus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.focus
}

// Watched lists the categories currently subscribed.
func (s *Session) Watched() []string {
	s.mu.RLock()
	manager := s.manager
	s.mu.RUnlock()
	if manager == nil {
		return []string{}
	}
	return manager.Watched()
}

// SetFocus records focus and moves the category subscriptions with it.
func (s *Session) SetFocus(category string) error {
	focus := registry.Lookup(category).ID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.focus = focus
	manager := s.manager
	s.mu.Unlock()

	if manager == nil {
		return ErrAwaitingActivation
	}
	err := manager.SetFocus(focus)
	if errors.Is(err, livesync.ErrManagerClosed) {
		// Deactivated or logged out while the focus moved.
		if s.State() == StateClosed {
			return ErrSessionClosed
		}
		return ErrAwaitingActivation
	}
	return err
}

// Tables returns the current read model; empty until the profile is active.
func (s *Session) Tables() livesync.Tables {
	s.mu.RLock()
	manager := s.manager
	s.mu.RUnlock()
	if manager == nil {
		return livesync.Tables{}
	}
	return manager.Tables()
}

// Live reports whether category currently has a healthy feed.
func (s *Session) Live(category string) bool {
	s.mu.RLock()
	manager := s.manager
	s.mu.RUnlock()
	return manager != nil && manager.Live(category)
}

func (s *Session) Table(category string) ([]docstore.Document, bool) {
	s.mu.RLock()
	manager := s.manager
	s.mu.RUnlock()
	if manager == nil {
		return nil, false
	}
	return manager.Table(category)
}

// OnChange forwards every table replacement to fn, across activation
// changes, until the returned func is called.
func (s *Session) OnChange(fn func(livesync.Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || fn == nil {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close is logout: it stops the profile watch, releases every category
// feed, clears the tables and resets focus.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.profileSub
	s.profileSub = nil
	s.mu.Unlock()

	// Waits for an in-flight profile delivery, after which no new manager
	// can appear.
	if sub != nil {
		sub.Close()
	}

	s.mu.Lock()
	manager := s.manager
	cancels := s.cancels
	s.manager = nil
	s.cancels = nil
	s.profile = identity.Profile{}
	s.focus = registry.Default().ID
	s.listeners = make(map[uint64]func(livesync.Change))
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if manager != nil {
		manager.Close()
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info("session closed")
}

func (s *Session) attach(sub docstore.Subscription) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return
	}
	s.profileSub = sub
	s.mu.Unlock()
}

// wait blocks until the first profile arrives.
func (s *Session) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profileErr != nil {
		return s.profileErr
	}
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// onProfile runs on the profile feed goroutine. Managers are opened and
// closed outside s.mu because their feeds call back into forward.
func (s *Session) onProfile(p identity.Profile) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.profile
	s.profile = p
	var (
		opened *livesync.Manager
		closed *livesync.Manager
		cancel func()
	)
	switch {
	case p.IsActive && s.manager == nil:
		opened = livesync.NewManager(s.store, s.syncOpts)
		cancel = opened.OnChange(s.forward)
		s.manager = opened
		s.cancels = append(s.cancels, cancel)
	case !p.IsActive && s.manager != nil:
		closed = s.manager
		s.manager = nil
	}
	focus := s.focus
	s.mu.Unlock()

	if closed != nil {
		closed.Close()
		s.log.Info("profile deactivated, feeds released")
	}
	if opened != nil {
		if err := opened.SetFocus(focus); err != nil {
			s.log.Warn("initial subscriptions incomplete", zap.Error(err))
		}
		s.log.Info("profile active, feeds opened", zap.String("role", string(p.Role)))
	}
	if prev.Role != p.Role && prev.Role != "" {
		s.log.Info("profile role changed", zap.String("from", string(prev.Role)), zap.String("to", string(p.Role)))
	}
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) onProfileError(err error) {
	s.mu.Lock()
	s.profileErr = err
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) forward(change livesync.Change) {
	s.mu.RLock()
	listeners := make([]func(livesync.Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}

// IsStateError reports whether err means the session cannot serve data
// rather than a feed failure.
func IsStateError(err error) bool {
	return errors.Is(err, ErrAwaitingActivation) || errors.Is(err, ErrSessionClosed)
}
