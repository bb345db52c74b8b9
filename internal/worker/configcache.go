package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lalithlochan/burstnudge/internal/db"
	"github.com/lalithlochan/burstnudge/internal/metrics"
)

// DefaultConfigTTL is how long a loaded study config is reused.
const DefaultConfigTTL = 5 * time.Minute

// ConfigStore loads study configs.
type ConfigStore interface {
	GetStudyConfig(ctx context.Context, studyID string) (*db.StudyConfig, error)
}

type cachedConfig struct {
	cfg      *db.StudyConfig
	loadedAt time.Time
}

// ConfigCache memoizes study configs per study ID for a fixed TTL. There is
// no invalidation; entries are replaced on the first Get after they expire.
// Concurrent misses for one study share a single store read.
type ConfigCache struct {
	store  ConfigStore
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]cachedConfig
	group   singleflight.Group
}

// NewConfigCache creates a cache in front of store. A non-positive ttl
// falls back to DefaultConfigTTL.
func NewConfigCache(store ConfigStore, ttl time.Duration, logger *zap.Logger) *ConfigCache {
	if ttl <= 0 {
		ttl = DefaultConfigTTL
	}
	return &ConfigCache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		entries: make(map[string]cachedConfig),
	}
}

// Get returns the config for studyID, loading it from the store when it is
// missing or older than the TTL. Load errors are returned as is; there is
// no fallback config.
func (c *ConfigCache) Get(ctx context.Context, studyID string) (*db.StudyConfig, error) {
	if cfg, ok := c.lookup(studyID); ok {
		metrics.RecordConfigCache(true)
		return cfg, nil
	}
	metrics.RecordConfigCache(false)

	v, err, _ := c.group.Do(studyID, func() (any, error) {
		if cfg, ok := c.lookup(studyID); ok {
			return cfg, nil
		}

		cfg, err := c.store.GetStudyConfig(ctx, studyID)
		if err != nil {
			return nil, fmt.Errorf("load config for study %s: %w", studyID, err)
		}

		c.mu.Lock()
		c.entries[studyID] = cachedConfig{cfg: cfg, loadedAt: c.now()}
		c.mu.Unlock()

		c.logger.Debug("study config loaded", zap.String("study_id", studyID))
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*db.StudyConfig), nil
}

func (c *ConfigCache) lookup(studyID string) (*db.StudyConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[studyID]
	if !ok || c.now().Sub(e.loadedAt) > c.ttl {
		return nil, false
	}
	return e.cfg, true
}
