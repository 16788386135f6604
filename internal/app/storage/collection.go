package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// collection maps a typed document onto a Backend collection.
type collection[T any] struct {
	name    string
	backend Backend
	id      func(T) string
}

func newCollection[T any](backend Backend, name string, id func(T) string) collection[T] {
	return collection[T]{name: name, backend: backend, id: id}
}

func (c collection[T]) insert(ctx context.Context, v T) (T, error) {
	id := c.id(v)
	if id == "" {
		var zero T
		return zero, fmt.Errorf("%s: id is required", c.name)
	}
	body, err := json.Marshal(v)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("encode %s %s: %w", c.name, id, err)
	}
	if err := c.backend.Insert(ctx, c.name, id, body); err != nil {
		var zero T
		if errors.Is(err, ErrConflict) {
			return zero, fmt.Errorf("%s %s already exists: %w", c.name, id, ErrConflict)
		}
		return zero, backendError("insert", c.name, err)
	}
	return v, nil
}

func (c collection[T]) put(ctx context.Context, v T) (T, error) {
	id := c.id(v)
	if id == "" {
		var zero T
		return zero, fmt.Errorf("%s: id is required", c.name)
	}
	body, err := json.Marshal(v)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("encode %s %s: %w", c.name, id, err)
	}
	if err := c.backend.Put(ctx, c.name, id, body); err != nil {
		var zero T
		return zero, backendError("put", c.name, err)
	}
	return v, nil
}

// update replaces an existing document and fails with ErrNotFound otherwise.
func (c collection[T]) update(ctx context.Context, v T) (T, error) {
	if _, err := c.get(ctx, c.id(v)); err != nil {
		var zero T
		return zero, err
	}
	return c.put(ctx, v)
}

func (c collection[T]) get(ctx context.Context, id string) (T, error) {
	var out T
	body, err := c.backend.Get(ctx, c.name, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return out, fmt.Errorf("%s %s not found: %w", c.name, id, ErrNotFound)
		}
		return out, backendError("get", c.name, err)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode %s %s: %w", c.name, id, err)
	}
	return out, nil
}

func (c collection[T]) delete(ctx context.Context, id string) error {
	if err := c.backend.Delete(ctx, c.name, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%s %s not found: %w", c.name, id, ErrNotFound)
		}
		return backendError("delete", c.name, err)
	}
	return nil
}

func (c collection[T]) list(ctx context.Context, filter Filter) ([]T, error) {
	docs, err := c.backend.List(ctx, c.name, filter)
	if err != nil {
		return nil, backendError("list", c.name, err)
	}
	out := make([]T, 0, len(docs))
	for _, body := range docs {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.name, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// latest returns up to limit documents, newest last.
func (c collection[T]) latest(ctx context.Context, equals map[string]any, limit int) ([]T, error) {
	items, err := c.list(ctx, Filter{Equals: equals, Limit: limit, Reverse: limit > 0})
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	return items, nil
}

func where(field string, value string) map[string]any {
	if value == "" {
		return nil
	}
	return map[string]any{field: value}
}

// backendError tags driver failures so callers can tell them apart from
// validation errors.
func backendError(op, collection string, err error) error {
	if errors.Is(err, ErrBackend) {
		return err
	}
	return fmt.Errorf("%s %s: %w: %w", op, collection, ErrBackend, err)
}

func notFound(collection, key string) error {
	return fmt.Errorf("%s %s not found: %w", collection, key, ErrNotFound)
}
