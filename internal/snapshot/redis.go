// Package snapshot persists store snapshots so state survives a restart.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/autodeploy/internal/store"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("snapshot: none saved")

// kv is the subset of redis commands the persister needs.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Redis stores the latest snapshot under a single key.
type Redis struct {
	client  kv
	key     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(addr, password string, db int, key string, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return newRedis(client, key, logger), nil
}

func newRedis(client kv, key string, logger *slog.Logger) *Redis {
	if key == "" {
		key = "autodeploy:state"
	}
	return &Redis{client: client, key: key, timeout: 2 * time.Second, logger: logger}
}

// Save writes snap, replacing the previous one.
func (r *Redis) Save(ctx context.Context, snap store.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load reads the last saved snapshot.
func (r *Redis) Load(ctx context.Context) (store.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Close releases the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Saver is anything that can persist a snapshot.
type Saver interface {
	Save(ctx context.Context, snap store.Snapshot) error
}

// Run saves st every interval until ctx is done, then writes a final snapshot.
func Run(ctx context.Context, st *store.Store, saver Saver, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := saver.Save(final, st.Snapshot()); err != nil {
				logger.Error("final snapshot failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := saver.Save(ctx, st.Snapshot()); err != nil && ctx.Err() == nil {
				logger.Warn("snapshot failed", "error", err)
			}
		}
	}
}
