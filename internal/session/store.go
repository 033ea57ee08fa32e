package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/metrics"
)

var ErrRunNotFound = errors.New("run snapshot not found")

// StoreConfig configures the Redis-backed snapshot store.
type StoreConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // snapshot retention, default 24h
	MaxCache int           // max snapshots kept in the local cache
}

// Store persists run state snapshots in Redis. The pipeline writes a
// checkpoint after each phase and the latest full state on completion;
// the review API reads snapshots back while a run waits on a human.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu       sync.RWMutex
	cache    map[string]*State
	access   map[string]time.Time
	maxCache int
}

// NewStore connects to Redis and verifies the connection.
func NewStore(cfg StoreConfig, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStoreWithClient(client, cfg, logger), nil
}

// NewStoreWithClient wraps an existing client. Used by tests with miniredis.
func NewStoreWithClient(client *redis.Client, cfg StoreConfig, logger *zap.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxCache <= 0 {
		cfg.MaxCache = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:   client,
		logger:   logger,
		ttl:      cfg.TTL,
		cache:    make(map[string]*State),
		access:   make(map[string]time.Time),
		maxCache: cfg.MaxCache,
	}
}

// SaveSnapshot stores the latest full state for a run.
func (s *Store) SaveSnapshot(ctx context.Context, state *State) error {
	if state == nil || state.RunID == "" {
		return fmt.Errorf("state must carry a run id")
	}

	if err := s.save(ctx, s.runKey(state.RunID), state); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[state.RunID] = state
	s.access[state.RunID] = time.Now()
	s.evictStale()
	metrics.SnapshotCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()

	metrics.SnapshotsSaved.Inc()
	return nil
}

// SaveCheckpoint stores a per-phase copy of the state so a run can be
// inspected mid-flight or replayed from a phase boundary.
func (s *Store) SaveCheckpoint(ctx context.Context, phase string, state *State) error {
	if state == nil || state.RunID == "" {
		return fmt.Errorf("state must carry a run id")
	}
	if err := s.save(ctx, s.phaseKey(state.RunID, phase), state); err != nil {
		return err
	}
	s.logger.Debug("Saved phase checkpoint",
		zap.String("run_id", state.RunID),
		zap.String("phase", phase),
	)
	return nil
}

// LoadSnapshot returns the latest stored state for a run.
func (s *Store) LoadSnapshot(ctx context.Context, runID string) (*State, error) {
	s.mu.RLock()
	if state, ok := s.cache[runID]; ok {
		s.mu.RUnlock()
		metrics.SnapshotCacheHits.Inc()
		s.mu.Lock()
		s.access[runID] = time.Now()
		s.mu.Unlock()
		return state, nil
	}
	s.mu.RUnlock()
	metrics.SnapshotCacheMisses.Inc()

	state, err := s.load(ctx, s.runKey(runID))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[runID] = state
	s.access[runID] = time.Now()
	s.evictStale()
	metrics.SnapshotCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()

	return state, nil
}

// LoadCheckpoint returns the state saved at a phase boundary.
func (s *Store) LoadCheckpoint(ctx context.Context, runID, phase string) (*State, error) {
	return s.load(ctx, s.phaseKey(runID, phase))
}

// DeleteRun removes the snapshot and all phase checkpoints for a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	keys, err := s.client.Keys(ctx, fmt.Sprintf("run:%s:*", runID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list run keys: %w", err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete run keys: %w", err)
		}
	}

	s.mu.Lock()
	delete(s.cache, runID)
	delete(s.access, runID)
	metrics.SnapshotCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()

	s.logger.Info("Deleted run snapshots", zap.String("run_id", runID))
	return nil
}

// ListRuns returns the run IDs with a stored latest snapshot.
func (s *Store) ListRuns(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, "run:*:state").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]string, 0, len(keys))
	for _, key := range keys {
		// run:<id>:state
		if len(key) > len("run::state") {
			runs = append(runs, key[len("run:"):len(key)-len(":state")])
		}
	}
	return runs, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying connection for health checks.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) runKey(runID string) string {
	return fmt.Sprintf("run:%s:state", runID)
}

func (s *Store) phaseKey(runID, phase string) string {
	return fmt.Sprintf("run:%s:phase:%s", runID, phase)
}

func (s *Store) save(ctx context.Context, key string, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return s.client.Set(ctx, key, data, s.ttl).Err()
}

func (s *Store) load(ctx context.Context, key string) (*State, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrRunNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// evictStale drops the least recently used half of the cache once it
// grows past maxCache. Caller must hold s.mu.
func (s *Store) evictStale() {
	if len(s.cache) <= s.maxCache {
		return
	}

	type accessEntry struct {
		id   string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(s.cache))
	for id := range s.cache {
		at, ok := s.access[id]
		if !ok {
			at = time.Time{}
		}
		entries = append(entries, accessEntry{id: id, time: at})
	}

	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}

	toRemove := s.maxCache / 2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(s.cache, entries[i].id)
		delete(s.access, entries[i].id)
		metrics.SnapshotCacheEvictions.Inc()
	}
}
