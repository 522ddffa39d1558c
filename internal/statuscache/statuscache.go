// Package statuscache is an optional, best-effort export of a Worker's
// per-target queue status to Redis, for dashboards that want to read
// target state without opening a protocol connection. It is not part
// of the claim/dispatch path — losing Redis never blocks a job.
//
// Grounded on the teacher's internal/alarming/state.go StateManager: a
// thin struct around *redis.Client, one JSON blob per key, TTL-based
// auto-expiry instead of explicit deletes.
package statuscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jobfabric/jobfabric/internal/queueset"
)

const keyPrefix = "jobfabric:target-status:"

// ttl bounds how long a snapshot survives if the Worker stops
// refreshing it (e.g. crash), mirroring the teacher's 7-day alarm
// state expiry scaled down to this cache's much shorter refresh cycle.
const ttl = 5 * time.Minute

// Cache publishes target-status snapshots to Redis.
type Cache struct {
	redis *redis.Client
}

// New builds a Cache over an existing Redis client.
func New(client *redis.Client) *Cache {
	return &Cache{redis: client}
}

// Snapshot mirrors queueset.Stats for JSON export.
type Snapshot struct {
	Paused      bool `json:"paused"`
	Concurrency int  `json:"concurrency"`
	Length      int  `json:"length"`
}

// PublishAll writes every target's current snapshot. Errors are the
// caller's to log; a cache miss never affects job dispatch.
func (c *Cache) PublishAll(ctx context.Context, workerName string, stats map[string]queueset.Stats) error {
	pipe := c.redis.Pipeline()
	for target, s := range stats {
		data, err := json.Marshal(Snapshot{Paused: s.Paused, Concurrency: s.Concurrency, Length: s.Length})
		if err != nil {
			return fmt.Errorf("statuscache: marshal %s: %w", target, err)
		}
		pipe.Set(ctx, key(workerName, target), data, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Get reads a single target's last published snapshot.
func (c *Cache) Get(ctx context.Context, workerName, target string) (*Snapshot, error) {
	data, err := c.redis.Get(ctx, key(workerName, target)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statuscache: get %s: %w", target, err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("statuscache: unmarshal %s: %w", target, err)
	}
	return &snap, nil
}

func key(workerName, target string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, workerName, target)
}
