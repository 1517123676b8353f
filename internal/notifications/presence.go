package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatgate/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPresenceSetKey    = "chatgate:presence:conns"
	defaultPresenceKeyPrefix = "chatgate:presence:seen:"
	defaultPresenceTTL       = 90 * time.Second
	defaultReaperInterval    = 60 * time.Second
)

// PresenceConfig controls the Redis keys and expiry of presence entries.
type PresenceConfig struct {
	SetKey         string
	KeyPrefix      string
	TTL            time.Duration
	ReaperInterval time.Duration
}

// Presence tracks live connection ids. With Redis it mirrors them into a
// shared set with per-connection last-seen keys so the count covers every
// instance; without Redis it counts local connections only.
type Presence struct {
	rdb *redis.Client

	mu    sync.RWMutex
	local map[string]struct{}

	setKey         string
	keyPrefix      string
	ttl            time.Duration
	reaperInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPresence creates a tracker and starts a Redis reaper when Redis is available.
func NewPresence(rdb *redis.Client, cfg PresenceConfig) *Presence {
	p := &Presence{
		rdb:            rdb,
		local:          make(map[string]struct{}),
		setKey:         defaultPresenceSetKey,
		keyPrefix:      defaultPresenceKeyPrefix,
		ttl:            defaultPresenceTTL,
		reaperInterval: defaultReaperInterval,
		stopCh:         make(chan struct{}),
	}

	if cfg.SetKey != "" {
		p.setKey = cfg.SetKey
	}
	if cfg.KeyPrefix != "" {
		p.keyPrefix = cfg.KeyPrefix
	}
	if cfg.TTL > 0 {
		p.ttl = cfg.TTL
	}
	if cfg.ReaperInterval > 0 {
		p.reaperInterval = cfg.ReaperInterval
	}

	if p.rdb != nil {
		go p.reaperLoop()
	}

	return p
}

// Stop ends the reaper.
func (p *Presence) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Register records a new local connection.
func (p *Presence) Register(ctx context.Context, connID string) {
	p.mu.Lock()
	p.local[connID] = struct{}{}
	p.mu.Unlock()

	p.Touch(ctx, connID)
}

// Touch refreshes the connection's last-seen key.
func (p *Presence) Touch(ctx context.Context, connID string) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.SAdd(ctx, p.setKey, connID).Err(); err != nil {
		slog.WarnContext(ctx, "presence SADD failed", slog.String("conn", connID), slog.String("error", err.Error()))
	}
	if err := p.rdb.SetEx(ctx, p.keyPrefix+connID, time.Now().Unix(), p.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "presence SETEX failed", slog.String("conn", connID), slog.String("error", err.Error()))
	}
}

// Unregister forgets a local connection.
func (p *Presence) Unregister(ctx context.Context, connID string) {
	p.mu.Lock()
	delete(p.local, connID)
	p.mu.Unlock()

	if p.rdb == nil {
		return
	}
	if err := p.rdb.SRem(ctx, p.setKey, connID).Err(); err != nil {
		slog.WarnContext(ctx, "presence SREM failed", slog.String("conn", connID), slog.String("error", err.Error()))
	}
	_ = p.rdb.Del(ctx, p.keyPrefix+connID).Err()
}

// RefreshAll touches every local connection. The hub calls it on a heartbeat
// shorter than the TTL so live connections never expire.
func (p *Presence) RefreshAll(ctx context.Context) {
	if p.rdb == nil {
		return
	}
	for _, id := range p.localIDs() {
		p.Touch(ctx, id)
	}
}

// Count returns the cluster-wide number of live connections, falling back to
// the local count when Redis is missing or failing.
func (p *Presence) Count(ctx context.Context) int {
	local := p.LocalCount()
	if p.rdb == nil {
		return local
	}
	n, err := p.rdb.SCard(ctx, p.setKey).Result()
	if err != nil {
		observability.RedisErrors.WithLabelValues("presence_count").Inc()
		return local
	}
	return max(int(n), local)
}

// LocalCount returns the number of connections on this instance.
func (p *Presence) LocalCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.local)
}

// reapOnce is test-visible and removes set members whose last-seen key expired.
func (p *Presence) reapOnce(ctx context.Context) int {
	if p.rdb == nil {
		return 0
	}

	members, err := p.rdb.SMembers(ctx, p.setKey).Result()
	if err != nil {
		return 0
	}

	removed := 0
	for _, id := range members {
		exists, err := p.rdb.Exists(ctx, p.keyPrefix+id).Result()
		if err != nil || exists > 0 {
			continue
		}

		p.mu.RLock()
		_, isLocal := p.local[id]
		p.mu.RUnlock()
		if isLocal {
			p.Touch(ctx, id)
			continue
		}

		if err := p.rdb.SRem(ctx, p.setKey, id).Err(); err == nil {
			removed++
		}
	}
	return removed
}

func (p *Presence) reaperLoop() {
	ctx := context.Background()
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce(ctx)
		}
	}
}

func (p *Presence) localIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.local))
	for id := range p.local {
		ids = append(ids, id)
	}
	return ids
}
