package knowledge

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"avatar-agent/internal/domain"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

// CachedGateway memoizes GetByAvatar, the query every turn issues. Other
// lookups pass through to the wrapped Gateway.
type CachedGateway struct {
	Gateway
	byAvatar *expirable.LRU[string, []domain.KnowledgeItem]
}

// NewCachedGateway wraps next. Zero size or ttl select the defaults.
func NewCachedGateway(next Gateway, size int, ttl time.Duration) *CachedGateway {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedGateway{
		Gateway:  next,
		byAvatar: expirable.NewLRU[string, []domain.KnowledgeItem](size, nil, ttl),
	}
}

func (c *CachedGateway) GetByAvatar(ctx context.Context, avatarID string) ([]domain.KnowledgeItem, error) {
	if items, ok := c.byAvatar.Get(avatarID); ok {
		return cloneItems(items), nil
	}
	items, err := c.Gateway.GetByAvatar(ctx, avatarID)
	if err != nil {
		return nil, err
	}
	c.byAvatar.Add(avatarID, cloneItems(items))
	return items, nil
}

// Invalidate drops the cached list of avatarID.
func (c *CachedGateway) Invalidate(avatarID string) {
	c.byAvatar.Remove(avatarID)
}

func cloneItems(items []domain.KnowledgeItem) []domain.KnowledgeItem {
	if items == nil {
		return nil
	}
	out := make([]domain.KnowledgeItem, len(items))
	copy(out, items)
	return out
}
