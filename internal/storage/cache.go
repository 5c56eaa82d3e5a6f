package storage

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// UserSource looks up one user; *Store and *FileStore implement it.
type UserSource interface {
	GetUser(ctx context.Context, id string) (UserRow, error)
}

// UserCache keeps recently used users for a bounded time so that alert
// processing does not hit the store once per match.
type UserCache struct {
	src UserSource
	lru *expirable.LRU[string, UserRow]
}

func NewUserCache(src UserSource, size int, maxAge time.Duration) *UserCache {
	return &UserCache{src: src, lru: expirable.NewLRU[string, UserRow](size, nil, maxAge)}
}

func (c *UserCache) Get(ctx context.Context, id string) (UserRow, error) {
	if u, ok := c.lru.Get(id); ok {
		return u, nil
	}
	u, err := c.src.GetUser(ctx, id)
	if err != nil {
		return UserRow{}, err
	}
	c.lru.Add(id, u)
	return u, nil
}

// Invalidate drops every cached user, e.g. after a trigger reload.
func (c *UserCache) Invalidate() {
	c.lru.Purge()
}

func (c *UserCache) Len() int {
	return c.lru.Len()
}
