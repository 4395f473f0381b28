package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned when a lease expired or was taken by another owner.
var ErrLeaseLost = errors.New("lease lost")

var (
	acquireScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

	refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// Leaser hands out exclusive, TTL-bounded ownership of campaigns using Redis.
type Leaser struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewLeaser constructs a campaign leaser.
func NewLeaser(client *redis.Client, prefix string, ttl time.Duration) *Leaser {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "outbound:campaign"
	}
	return &Leaser{client: client, prefix: prefix, ttl: ttl}
}

// Lease is a held ownership token.
type Lease struct {
	leaser     *Leaser
	campaignID uuid.UUID
	token      string
}

// Acquire attempts to take ownership of the campaign. ok is false when another
// owner holds it.
func (l *Leaser) Acquire(ctx context.Context, campaignID uuid.UUID) (*Lease, bool, error) {
	token := uuid.NewString()
	res, err := acquireScript.Run(ctx, l.client, []string{l.key(campaignID)}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return nil, false, fmt.Errorf("lease acquire: %w", err)
	}
	if res != 1 {
		return nil, false, nil
	}
	return &Lease{leaser: l, campaignID: campaignID, token: token}, true, nil
}

// TTL returns the lease duration.
func (l *Leaser) TTL() time.Duration {
	return l.ttl
}

// Refresh extends the lease. It returns ErrLeaseLost if the token no longer owns the key.
func (ls *Lease) Refresh(ctx context.Context) error {
	l := ls.leaser
	res, err := refreshScript.Run(ctx, l.client, []string{l.key(ls.campaignID)}, ls.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease refresh: %w", err)
	}
	if res != 1 {
		return ErrLeaseLost
	}
	return nil
}

// Release frees the lease if still held.
func (ls *Lease) Release(ctx context.Context) error {
	l := ls.leaser
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(ls.campaignID)}, ls.token).Int(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

// Keep refreshes the lease every third of its TTL until ctx ends. When the
// lease is lost, onLost is called once and Keep returns.
func (ls *Lease) Keep(ctx context.Context, onLost func(error)) {
	ticker := time.NewTicker(ls.leaser.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ls.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				onLost(err)
				return
			}
		}
	}
}

func (l *Leaser) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:owner", l.prefix, campaignID.String())
}
