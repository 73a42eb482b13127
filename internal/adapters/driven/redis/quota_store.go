package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.QuotaStore = (*QuotaStore)(nil)

const quotaPrefix = "orchestrator:quota:"

// quotaKeyGrace keeps a window key alive slightly past its reset.
const quotaKeyGrace = time.Second

// QuotaStore implements driven.QuotaStore with one Redis hash per category.
// Each call is a single Lua script, so rollover and consume are atomic.
type QuotaStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewQuotaStore creates a new Redis-backed quota store.
func NewQuotaStore(client *redis.Client) *QuotaStore {
	return &QuotaStore{client: client, now: time.Now}
}

// quotaAcquireScript rolls the window over when it has reset, then takes ARGV[4]
// tokens if that many remain. ARGV[4] = 0 only reads the window.
// Returns {acquired, remaining, reset_at_ms}.
var quotaAcquireScript = redis.NewScript(`
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local n = tonumber(ARGV[4])
	local grace = tonumber(ARGV[5])

	local remaining = tonumber(redis.call("hget", KEYS[1], "remaining"))
	local reset = tonumber(redis.call("hget", KEYS[1], "reset_at"))
	if not remaining or not reset or reset <= now then
		remaining = limit
		reset = now + window
	end
	if remaining > limit then
		remaining = limit
	end

	local acquired = 0
	if n > 0 and remaining >= n then
		remaining = remaining - n
		acquired = 1
	end

	redis.call("hset", KEYS[1], "remaining", remaining, "reset_at", reset)
	redis.call("pexpire", KEYS[1], reset - now + grace)
	return {acquired, remaining, reset}
`)

// quotaExhaustScript empties the window until ARGV[1].
var quotaExhaustScript = redis.NewScript(`
	local reset = tonumber(ARGV[1])
	local now = tonumber(ARGV[2])
	local grace = tonumber(ARGV[3])
	redis.call("hset", KEYS[1], "remaining", 0, "reset_at", reset)
	if reset > now then
		redis.call("pexpire", KEYS[1], reset - now + grace)
	end
	return 1
`)

// TryAcquire takes n tokens from the current window when enough remain
func (s *QuotaStore) TryAcquire(ctx context.Context, policy domain.QuotaPolicy, n int) (domain.QuotaWindow, bool, error) {
	return s.run(ctx, policy, n)
}

// Window returns the current window without consuming tokens
func (s *QuotaStore) Window(ctx context.Context, policy domain.QuotaPolicy) (domain.QuotaWindow, error) {
	w, _, err := s.run(ctx, policy, 0)
	return w, err
}

// Exhaust empties the category window until resetAt
func (s *QuotaStore) Exhaust(ctx context.Context, policy domain.QuotaPolicy, resetAt time.Time) error {
	err := quotaExhaustScript.Run(ctx, s.client,
		[]string{quotaPrefix + string(policy.Category)},
		resetAt.UnixMilli(),
		s.now().UnixMilli(),
		quotaKeyGrace.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("exhaust quota %s: %w", policy.Category, err)
	}
	return nil
}

func (s *QuotaStore) run(ctx context.Context, policy domain.QuotaPolicy, n int) (domain.QuotaWindow, bool, error) {
	res, err := quotaAcquireScript.Run(ctx, s.client,
		[]string{quotaPrefix + string(policy.Category)},
		policy.Limit,
		policy.Window.Milliseconds(),
		s.now().UnixMilli(),
		n,
		quotaKeyGrace.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.QuotaWindow{}, false, fmt.Errorf("quota %s: %w", policy.Category, err)
	}
	if len(res) != 3 {
		return domain.QuotaWindow{}, false, fmt.Errorf("quota %s: unexpected script reply %v", policy.Category, res)
	}

	return domain.QuotaWindow{
		Category:  policy.Category,
		Limit:     policy.Limit,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]),
	}, res[0] == 1, nil
}
