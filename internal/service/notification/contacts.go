package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
)

// ContactCache keeps recently used contacts in memory. A reminder tick
// usually resolves the same user once per channel.
type ContactCache struct {
	repo  repository.ContactRepository
	cache *cache.Cache
}

func NewContactCache(repo repository.ContactRepository, ttl time.Duration) *ContactCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ContactCache{repo: repo, cache: cache.New(ttl, 2*ttl)}
}

func (c *ContactCache) Get(ctx context.Context, userID uuid.UUID) (*model.Contact, error) {
	key := userID.String()
	if v, ok := c.cache.Get(key); ok {
		return v.(*model.Contact), nil
	}
	contact, err := c.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, contact)
	return contact, nil
}

// Invalidate drops the cached contact after it was edited.
func (c *ContactCache) Invalidate(userID uuid.UUID) {
	c.cache.Delete(userID.String())
}
