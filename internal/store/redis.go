package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetpulse/pdm-engine/internal/models"
)

// RedisMirror keeps the latest baseline state per series in Redis hashes so
// dashboards and sibling engine instances can read warm-up progress without
// touching the in-memory store.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror connects and pings the Redis instance.
func NewRedisMirror(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisMirror{client: client, ttl: ttl}, nil
}

// Close releases the client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// Ping reports connectivity.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func baselineKey(vehicleID, signal string) string {
	return "pdm:baseline:" + vehicleID + ":" + signal
}

// MirrorBaseline writes one baseline snapshot as a hash with a TTL. HSet and
// Expire are pipelined into a single round trip.
func (m *RedisMirror) MirrorBaseline(ctx context.Context, b models.Baseline) error {
	key := baselineKey(b.VehicleID, b.Signal)
	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"mean":         strconv.FormatFloat(b.Mean, 'f', -1, 64),
		"variance":     strconv.FormatFloat(b.Variance, 'f', -1, 64),
		"trend_slope":  strconv.FormatFloat(b.TrendSlope, 'f', -1, 64),
		"sample_count": strconv.FormatUint(b.SampleCount, 10),
		"last_seq":     strconv.FormatUint(b.LastSeq, 10),
		"warm":         strconv.FormatBool(b.Warm),
		"first_seen":   b.FirstSeen.UTC().Format(time.RFC3339Nano),
		"last_seen":    b.LastSeen.UTC().Format(time.RFC3339Nano),
	})
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("mirror baseline %s/%s: %w", b.VehicleID, b.Signal, err)
	}
	return nil
}
