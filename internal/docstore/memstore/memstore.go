// Package memstore is an in-process docstore.Store used by tests and local
// development. Documents live in memory only.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/docstore"
)

type collection struct {
	order []string
	docs  map[string]docstore.Fields
}

// Store keeps documents as [collection][id]fields with insertion order per
// collection.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	faults      map[string]error

	clock clock.Clock
	ids   *snowflake.Node
	hub   *docstore.Hub
}

func New(clk clock.Clock, ids *snowflake.Node) *Store {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if ids == nil {
		ids, _ = snowflake.NewNode(0)
	}
	return &Store{
		collections: make(map[string]*collection),
		faults:      make(map[string]error),
		clock:       clk,
		ids:         ids,
		hub:         docstore.NewHub(),
	}
}

// InjectFault makes every read and write against collection fail until
// ClearFault is called. Open feeds on the collection fail on their next
// delivery.
func (s *Store) InjectFault(name string, err error) {
	s.mu.Lock()
	s.faults[name] = err
	s.mu.Unlock()
	s.hub.Publish(docstore.CollectionKey(name))
}

func (s *Store) ClearFault(name string) {
	s.mu.Lock()
	delete(s.faults, name)
	s.mu.Unlock()
}

// Hub exposes the change hub so tests can count live streams.
func (s *Store) Hub() *docstore.Hub {
	return s.hub
}

func (s *Store) Create(ctx context.Context, name string, fields docstore.Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := s.nextID()

	s.mu.Lock()
	if err := s.faultLocked(name); err != nil {
		s.mu.Unlock()
		return "", err
	}
	c := s.ensureLocked(name)
	c.order = append(c.order, id)
	c.docs[id] = docstore.ResolveServerTimestamps(fields, s.clock.Now())
	s.mu.Unlock()

	s.changed(name, id)
	return id, nil
}

func (s *Store) Update(ctx context.Context, name, id string, fields docstore.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.faultLocked(name); err != nil {
		s.mu.Unlock()
		return err
	}
	c := s.collections[name]
	if c == nil || c.docs[id] == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", name, id, docstore.ErrNotFound)
	}
	current := c.docs[id].Clone()
	for k, v := range docstore.ResolveServerTimestamps(fields, s.clock.Now()) {
		current[k] = v
	}
	c.docs[id] = current
	s.mu.Unlock()

	s.changed(name, id)
	return nil
}

func (s *Store) Get(ctx context.Context, name, id string) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.faultLocked(name); err != nil {
		return docstore.Document{}, err
	}
	c := s.collections[name]
	if c == nil || c.docs[id] == nil {
		return docstore.Document{}, fmt.Errorf("%s/%s: %w", name, id, docstore.ErrNotFound)
	}
	return docstore.Document{ID: id, Fields: c.docs[id].Clone()}, nil
}

func (s *Store) List(ctx context.Context, name string) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.faultLocked(name); err != nil {
		return nil, err
	}
	c := s.collections[name]
	if c == nil {
		return []docstore.Document{}, nil
	}
	out := make([]docstore.Document, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, docstore.Document{ID: id, Fields: c.docs[id].Clone()})
	}
	return out, nil
}

func (s *Store) SetMissing(ctx context.Context, name, id string, fields docstore.Fields) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Document{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return docstore.Document{}, docstore.ErrInvalidArgument
	}

	s.mu.Lock()
	if err := s.faultLocked(name); err != nil {
		s.mu.Unlock()
		return docstore.Document{}, err
	}
	c := s.ensureLocked(name)
	resolved := docstore.ResolveServerTimestamps(fields, s.clock.Now())
	current, exists := c.docs[id]
	changed := false
	if !exists {
		c.order = append(c.order, id)
		current = resolved
		changed = true
	} else {
		current = current.Clone()
		for k, v := range resolved {
			if _, ok := current[k]; ok {
				continue
			}
			current[k] = v
			changed = true
		}
	}
	c.docs[id] = current
	doc := docstore.Document{ID: id, Fields: current.Clone()}
	s.mu.Unlock()

	if changed {
		s.changed(name, id)
	}
	return doc, nil
}

func (s *Store) Subscribe(name string, onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Subscription, error) {
	return docstore.OpenCollectionFeed(s.hub, name, s.List, onSnapshot, onError)
}

func (s *Store) SubscribeDocument(name, id string, onDocument func(docstore.Document, bool), onError func(error)) (docstore.Subscription, error) {
	return docstore.OpenDocumentFeed(s.hub, name, id, s.Get, onDocument, onError)
}

func (s *Store) ensureLocked(name string) *collection {
	c := s.collections[name]
	if c == nil {
		c = &collection{docs: make(map[string]docstore.Fields)}
		s.collections[name] = c
	}
	return c
}

func (s *Store) faultLocked(name string) error {
	if err, ok := s.faults[name]; ok {
		return fmt.Errorf("%w: %v", docstore.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) nextID() string {
	return s.ids.Generate().String()
}

func (s *Store) changed(name, id string) {
	s.hub.Publish(docstore.CollectionKey(name))
	s.hub.Publish(docstore.DocumentKey(name, id))
}

var _ docstore.Store = (*Store)(nil)
