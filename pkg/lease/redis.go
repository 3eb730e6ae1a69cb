package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// releaseScript deletes the plan key only if it still holds our token.
// KEYS[1] = lease key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
    return 0
end
local sep = string.find(v, "|", 1, true)
if sep and string.sub(v, 1, sep - 1) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisPlanWriter is PlanWriter shared across processes. A lease expires
// after ttl so a crashed worker cannot wedge a plan.
type RedisPlanWriter struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisPlanWriter(client redis.UniversalClient, ttl time.Duration) *RedisPlanWriter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisPlanWriter{client: client, prefix: "substrate:lease:plan:", ttl: ttl}
}

func (r *RedisPlanWriter) key(planID string) string { return r.prefix + planID }

// value is "<token>|<transition id>".
func splitValue(v string) (token, transitionID string) {
	for i := 0; i < len(v); i++ {
		if v[i] == '|' {
			return v[:i], v[i+1:]
		}
	}
	return v, ""
}

func (r *RedisPlanWriter) Acquire(ctx context.Context, planID, transitionID string, writes []worldpath.Selector) (*Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(planID), token+"|"+transitionID, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lease error: %w", err)
	}
	if !ok {
		holder, err := r.client.Get(ctx, r.key(planID)).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("redis lease error: %w", err)
		}
		_, tid := splitValue(holder)
		return nil, fmt.Errorf("%w: plan %s held by %s", ErrConflict, planID, tid)
	}
	return &Lease{Token: token, PlanID: planID, TransitionID: transitionID, Writes: writes}, nil
}

func (r *RedisPlanWriter) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, r.client, []string{r.key(l.PlanID)}, l.Token).Err(); err != nil {
		return fmt.Errorf("redis lease release: %w", err)
	}
	return nil
}

func (r *RedisPlanWriter) Conflicts(ctx context.Context, planID, transitionID string, _ []worldpath.Selector) (bool, error) {
	v, err := r.client.Get(ctx, r.key(planID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis lease error: %w", err)
	}
	_, holder := splitValue(v)
	return holder != transitionID, nil
}
