package control

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pressroom/campaign-engine/internal/model"
	"github.com/pressroom/campaign-engine/internal/repository"
	"github.com/redis/go-redis/v9"
)

// Gate answers "may the dispatch loop still emit work for this campaign?" on
// the hot path, once per delivery attempt. The persisted campaign status is
// the single source of truth; Redis holds a read-through copy with a short
// TTL, deleted on every control transition. With a nil Redis client (dev,
// tests) every check falls through to the store.
type Gate struct {
	rdb       *redis.Client
	campaigns repository.CampaignsRepository
	ttl       time.Duration
	prefix    string
}

func NewGate(rdb *redis.Client, campaigns repository.CampaignsRepository, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Gate{rdb: rdb, campaigns: campaigns, ttl: ttl, prefix: "ctl:campaign:"}
}

func (g *Gate) key(campaignID int64) string {
	return g.prefix + strconv.FormatInt(campaignID, 10)
}

// Status returns the campaign's control status, serving from cache when warm.
func (g *Gate) Status(ctx context.Context, campaignID int64) (model.CampaignStatus, error) {
	if g.rdb != nil {
		v, err := g.rdb.Get(ctx, g.key(campaignID)).Result()
		if err == nil {
			st := model.CampaignStatus(v)
			if st.Valid() {
				return st, nil
			}
		}
		// cache miss or unavailable: fall through to the store
	}

	c, err := g.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return "", fmt.Errorf("get campaign: %w", err)
	}
	if c == nil {
		return "", fmt.Errorf("campaign %d not found", campaignID)
	}

	if g.rdb != nil {
		_ = g.rdb.Set(ctx, g.key(campaignID), c.Status.String(), g.ttl).Err()
	}
	return c.Status, nil
}

// Runnable reports whether new dispatch may start for the campaign. Paused
// means "leave the delivery queued"; cancelled or completed means hard stop.
func (g *Gate) Runnable(ctx context.Context, campaignID int64) (bool, model.CampaignStatus, error) {
	st, err := g.Status(ctx, campaignID)
	if err != nil {
		return false, "", err
	}
	return st.Runnable(), st, nil
}

// Invalidate drops the cached status. Control operations call this before
// returning success so no new dispatch starts on stale state after the TTL.
func (g *Gate) Invalidate(ctx context.Context, campaignID int64) {
	if g.rdb == nil {
		return
	}
	_ = g.rdb.Del(ctx, g.key(campaignID)).Err()
}
