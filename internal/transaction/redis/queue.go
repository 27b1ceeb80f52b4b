package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	transactionpkg "github.com/lafaom/payment-service/internal/transaction"
)

const (
	pendingKey     = "reconcile:pending"
	entryKeyPrefix = "reconcile:entry:"
)

// claimScript atomically selects due members and pushes their score forward
// by the lease, so a second worker polling at the same moment sees nothing.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZADD', KEYS[1], 'XX', ARGV[3], member)
end
return due
`)

type QueueConfig struct {
	MaxAttempts int
	ClaimLease  time.Duration
}

// Queue schedules PENDING transactions for reconciliation. The ZSET holds
// references scored by next-check time; a hash per reference tracks the
// attempt counter. Entries are disposable: the ledger can rebuild them.
type Queue struct {
	client *redis.Client
	config QueueConfig
	logger *slog.Logger
}

func NewQueue(client *redis.Client, config QueueConfig, logger *slog.Logger) transactionpkg.Queue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 20
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = time.Minute
	}
	return &Queue{
		client: client,
		config: config,
		logger: logger,
	}
}

func entryKey(reference string) string {
	return entryKeyPrefix + reference
}

// Enqueue schedules a first check. NX semantics keep an existing entry's
// schedule and attempt counter intact, so re-enqueueing is safe.
func (q *Queue) Enqueue(ctx context.Context, reference string, delay time.Duration) error {
	next := time.Now().Add(delay)

	pipe := q.client.TxPipeline()
	pipe.ZAddNX(ctx, pendingKey, redis.Z{
		Score:  float64(next.Unix()),
		Member: reference,
	})
	pipe.HSetNX(ctx, entryKey(reference), "attempts", 0)
	pipe.HSet(ctx, entryKey(reference), "max_attempts", q.config.MaxAttempts)
	pipe.HSet(ctx, entryKey(reference), "next_check", next.Unix())
	// orphaned hashes (entry removed mid-reschedule) expire on their own
	pipe.Expire(ctx, entryKey(reference), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", reference, err)
	}

	q.logger.Debug("transaction enqueued for reconciliation",
		"external_reference", reference,
		"next_check", next)
	return nil
}

// DueEntries claims up to limit entries whose check time has passed.
func (q *Queue) DueEntries(ctx context.Context, now time.Time, limit int) ([]transactionpkg.QueueEntry, error) {
	lease := now.Add(q.config.ClaimLease)
	refs, err := claimScript.Run(ctx, q.client,
		[]string{pendingKey},
		now.Unix(), limit, lease.Unix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim due entries: %w", err)
	}

	entries := make([]transactionpkg.QueueEntry, 0, len(refs))
	for _, ref := range refs {
		fields, err := q.client.HGetAll(ctx, entryKey(ref)).Result()
		if err != nil {
			q.logger.Error("failed to read queue entry", "external_reference", ref, "error", err)
			continue
		}

		entry := transactionpkg.QueueEntry{
			Reference:   ref,
			MaxAttempts: q.config.MaxAttempts,
		}
		if v, ok := fields["attempts"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				entry.Attempts = n
			}
		}
		if v, ok := fields["max_attempts"]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				entry.MaxAttempts = n
			}
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Reschedule records the attempt count and the next check time. XX semantics
// never resurrect an entry that was removed by a concurrent resolution.
func (q *Queue) Reschedule(ctx context.Context, reference string, attempts int, next time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZAddXX(ctx, pendingKey, redis.Z{
		Score:  float64(next.Unix()),
		Member: reference,
	})
	pipe.HSet(ctx, entryKey(reference), "attempts", attempts, "next_check", next.Unix())
	pipe.Expire(ctx, entryKey(reference), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reschedule %s: %w", reference, err)
	}
	return nil
}

func (q *Queue) Remove(ctx context.Context, reference string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, pendingKey, reference)
	pipe.Del(ctx, entryKey(reference))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", reference, err)
	}
	return nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, pendingKey).Result()
}
