// Package cache adds a Redis read-through layer in front of any backend.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

const keyPrefix = "qs:doc:"

// Client is the subset of the redis client used by the cache.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Backend caches Get results for ttl and invalidates on every write.
// Cache failures degrade to the wrapped backend.
type Backend struct {
	next   storage.Backend
	client Client
	ttl    time.Duration
	log    *logger.Logger
}

var _ storage.Backend = (*Backend)(nil)

// Dial parses a redis:// URL and wraps next.
func Dial(ctx context.Context, url string, next storage.Backend, ttl time.Duration, log *logger.Logger) (*Backend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(next, client, ttl, log), nil
}

// New wraps next with client.
func New(next storage.Backend, client Client, ttl time.Duration, log *logger.Logger) *Backend {
	if log == nil {
		log = logger.NewDefault("cache")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Backend{next: next, client: client, ttl: ttl, log: log}
}

func cacheKey(collection, id string) string {
	return keyPrefix + collection + ":" + id
}

func (b *Backend) Insert(ctx context.Context, collection, id string, doc []byte) error {
	if err := b.next.Insert(ctx, collection, id, doc); err != nil {
		return err
	}
	b.invalidate(ctx, collection, id)
	return nil
}

func (b *Backend) Put(ctx context.Context, collection, id string, doc []byte) error {
	if err := b.next.Put(ctx, collection, id, doc); err != nil {
		return err
	}
	b.invalidate(ctx, collection, id)
	return nil
}

func (b *Backend) Get(ctx context.Context, collection, id string) ([]byte, error) {
	key := cacheKey(collection, id)
	cached, err := b.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		return cached, nil
	case !errors.Is(err, redis.Nil):
		b.log.WithError(err).WithField("key", key).Warn("cache read failed")
	}

	doc, err := b.next.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if err := b.client.Set(ctx, key, doc, b.ttl).Err(); err != nil {
		b.log.WithError(err).WithField("key", key).Warn("cache fill failed")
	}
	return doc, nil
}

func (b *Backend) Delete(ctx context.Context, collection, id string) error {
	if err := b.next.Delete(ctx, collection, id); err != nil {
		return err
	}
	b.invalidate(ctx, collection, id)
	return nil
}

// List always reads through; filtered listings are not cached.
func (b *Backend) List(ctx context.Context, collection string, filter storage.Filter) ([][]byte, error) {
	return b.next.List(ctx, collection, filter)
}

func (b *Backend) Close() error {
	var errs []string
	if err := b.client.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := b.next.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("close cache: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (b *Backend) invalidate(ctx context.Context, collection, id string) {
	key := cacheKey(collection, id)
	if err := b.client.Del(ctx, key).Err(); err != nil {
		b.log.WithError(err).WithField("key", key).Warn("cache invalidation failed")
	}
}
