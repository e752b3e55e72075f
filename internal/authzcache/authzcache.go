// Package authzcache coordinates authorization requests across Sentinel
// replicas so that many processes starting concurrently for the same
// asset_id issue a single call to the authorization collaborator
// instead of stampeding it. It layers a distributed lock plus a cached
// grant on top of internal/authz.Client; it changes no core semantics
// of spec §6's authorization protocol, only its call volume.
//
// Grounded on the NAS-server example's TokenService (a sibling repo in
// the pack): go-redis/v9 client, context.WithTimeout-bounded Redis
// calls, and logrus field logging around cache operations. The
// SET-NX-then-poll lock idiom is a standard go-redis pattern; no pack
// file uses a distributed lock directly, so it is authored from scratch
// following that idiom.
package authzcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/trustbridge/tbenc/internal/authz"
)

// Metrics receives cache hit/miss counts for de-duplicated authorization
// requests; satisfied by *internal/metrics.Metrics. Optional — a nil
// Metrics field on Cache disables recording.
type Metrics interface {
	RecordAuthorizationCacheHit()
	RecordAuthorizationCacheMiss()
}

// Cache de-duplicates authz.Client.Authorize calls across processes
// sharing a Redis instance.
type Cache struct {
	redis    *redis.Client
	inner    *authz.Client
	lockTTL  time.Duration
	grantTTL time.Duration
	logger   *logrus.Logger
	Metrics  Metrics
}

// New constructs a Cache. lockTTL bounds how long one replica holds the
// authorization lock before another may attempt it (guards against a
// crashed holder); grantTTL bounds how long a cached grant is reused
// without calling the collaborator again.
func New(client *redis.Client, inner *authz.Client, lockTTL, grantTTL time.Duration, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{redis: client, inner: inner, lockTTL: lockTTL, grantTTL: grantTTL, logger: logger}
}

func lockKey(assetID string) string { return "tbenc:authz:lock:" + assetID }
func grantKey(assetID string) string { return "tbenc:authz:grant:" + assetID }

// Authorize returns a cached Grant for req.AssetID if one is fresh;
// otherwise it acquires the per-asset lock, calls the collaborator
// exactly once, caches the result, and releases the lock. Concurrent
// callers for the same asset_id that lose the lock race poll the cache
// until the winner publishes a result or lockTTL elapses.
func (c *Cache) Authorize(ctx context.Context, req authz.Request) (*authz.Grant, error) {
	if cached, err := c.readCached(ctx, req.AssetID); err == nil && cached != nil {
		c.logger.WithField("asset_id", req.AssetID).Debug("authorization cache hit")
		if c.Metrics != nil {
			c.Metrics.RecordAuthorizationCacheHit()
		}
		return cached, nil
	}
	if c.Metrics != nil {
		c.Metrics.RecordAuthorizationCacheMiss()
	}

	acquired, err := c.redis.SetNX(ctx, lockKey(req.AssetID), "1", c.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire authorization lock: %w", err)
	}

	if !acquired {
		return c.waitForGrant(ctx, req.AssetID)
	}
	defer c.redis.Del(ctx, lockKey(req.AssetID))

	grant, err := c.inner.Authorize(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := c.writeCached(ctx, req.AssetID, grant); err != nil {
		c.logger.WithError(err).Warn("failed to cache authorization grant")
	}
	return grant, nil
}

func (c *Cache) readCached(ctx context.Context, assetID string) (*authz.Grant, error) {
	raw, err := c.redis.Get(ctx, grantKey(assetID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var grant authz.Grant
	if err := json.Unmarshal([]byte(raw), &grant); err != nil {
		return nil, err
	}
	if time.Now().After(grant.ExpiresAt) {
		return nil, nil
	}
	return &grant, nil
}

func (c *Cache) writeCached(ctx context.Context, assetID string, grant *authz.Grant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, grantKey(assetID), data, c.grantTTL).Err()
}

// waitForGrant polls the cache until the lock holder publishes a grant
// or the lock's TTL window has elapsed, whichever comes first.
func (c *Cache) waitForGrant(ctx context.Context, assetID string) (*authz.Grant, error) {
	deadline := time.Now().Add(c.lockTTL)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if grant, err := c.readCached(ctx, assetID); err == nil && grant != nil {
				return grant, nil
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timed out waiting for authorization grant for %s", assetID)
			}
		}
	}
}
