// Package memory provides an in-process document backend. It is safe for
// concurrent use and is primarily intended for tests and local development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quantumshield/backend/internal/app/storage"
)

type collection struct {
	docs  map[string][]byte
	order []string
}

// Backend keeps documents in maps guarded by a RWMutex. Documents are
// copied on the way in and out.
type Backend struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

var _ storage.Backend = (*Backend)(nil)

// New creates an empty backend.
func New() *Backend {
	return &Backend{collections: make(map[string]*collection)}
}

// NewStore is a convenience for a typed Store over a fresh memory backend.
func NewStore() *storage.Store {
	return storage.NewStore(New())
}

func (b *Backend) coll(name string) *collection {
	c, ok := b.collections[name]
	if !ok {
		c = &collection{docs: make(map[string][]byte)}
		b.collections[name] = c
	}
	return c
}

func (b *Backend) Insert(_ context.Context, name, id string, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.coll(name)
	if _, exists := c.docs[id]; exists {
		return storage.ErrConflict
	}
	c.docs[id] = clone(doc)
	c.order = append(c.order, id)
	return nil
}

func (b *Backend) Put(_ context.Context, name, id string, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.coll(name)
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = clone(doc)
	return nil
}

func (b *Backend) Get(_ context.Context, name, id string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.collections[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(doc), nil
}

func (b *Backend) Delete(_ context.Context, name, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.collections[name]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := c.docs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(c.docs, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Backend) List(_ context.Context, name string, filter storage.Filter) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.collections[name]
	if !ok {
		return [][]byte{}, nil
	}

	out := make([][]byte, 0)
	visit := func(id string) (bool, error) {
		if filter.After != "" && id <= filter.After {
			return true, nil
		}
		doc := c.docs[id]
		match, err := matches(doc, filter.Equals)
		if err != nil {
			return false, fmt.Errorf("filter %s/%s: %w", name, id, err)
		}
		if match {
			out = append(out, clone(doc))
		}
		return filter.Limit <= 0 || len(out) < filter.Limit, nil
	}

	if filter.Reverse {
		for i := len(c.order) - 1; i >= 0; i-- {
			more, err := visit(c.order[i])
			if err != nil {
				return nil, err
			}
			if !more {
				break
			}
		}
		return out, nil
	}
	for _, id := range c.order {
		more, err := visit(id)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	return out, nil
}

func (b *Backend) Close() error { return nil }

func matches(doc []byte, equals map[string]any) (bool, error) {
	if len(equals) == 0 {
		return true, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false, err
	}
	for key, want := range equals {
		got, ok := fields[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false, nil
		}
	}
	return true, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
