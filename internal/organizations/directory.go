package organizations

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	participatingCacheKey = "organizations:participating:v1"
	defaultLoadTimeout    = 5 * time.Second
)

// Source loads the full participating organization universe.
type Source interface {
	ListParticipating(ctx context.Context) ([]Organization, error)
}

// Directory is the read-only organization lookup used by consent resolution.
// When a Redis client is configured the universe is cached for ttl; a cache
// outage degrades to direct reads.
type Directory struct {
	source Source
	client *redis.Client
	ttl    time.Duration
	// loadTimeout bounds a shared source read, which outlives any one caller.
	loadTimeout time.Duration
	logger      *slog.Logger
	group       singleflight.Group
}

// DirectoryConfig groups optional settings.
type DirectoryConfig struct {
	Client      *redis.Client
	TTL         time.Duration
	LoadTimeout time.Duration
	Logger      *slog.Logger
}

// NewDirectory builds a Directory over source.
func NewDirectory(source Source, cfg DirectoryConfig) *Directory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}
	return &Directory{source: source, client: cfg.Client, ttl: ttl, loadTimeout: loadTimeout, logger: logger}
}

// ListParticipating returns the participating organizations in listing order,
// omitting excludeOrgID when it is set.
func (d *Directory) ListParticipating(ctx context.Context, excludeOrgID string) ([]Organization, error) {
	if d == nil || d.source == nil {
		return nil, errors.New("organizations: directory not configured")
	}
	all, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Organization, 0, len(all))
	for _, o := range all {
		if excludeOrgID != "" && o.ID == excludeOrgID {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Invalidate drops the cached universe, e.g. after an organization joins or leaves.
func (d *Directory) Invalidate(ctx context.Context) error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Del(ctx, participatingCacheKey).Err()
}

func (d *Directory) load(ctx context.Context) ([]Organization, error) {
	if d.client != nil {
		raw, err := d.client.Get(ctx, participatingCacheKey).Bytes()
		switch {
		case err == nil:
			var orgs []Organization
			if jsonErr := json.Unmarshal(raw, &orgs); jsonErr == nil {
				return orgs, nil
			}
			d.logger.Warn("organizations cache corrupt", slog.String("key", participatingCacheKey))
		case errors.Is(err, redis.Nil):
		default:
			d.logger.Warn("organizations cache read", slog.Any("error", err))
		}
	}

	// Callers joining the flight share one read, so one caller's cancellation
	// must not fail the others.
	ch := d.group.DoChan(participatingCacheKey, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.loadTimeout)
		defer cancel()
		orgs, err := d.source.ListParticipating(loadCtx)
		if err != nil {
			return nil, err
		}
		d.store(loadCtx, orgs)
		return orgs, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		orgs := res.Val.([]Organization)
		return append([]Organization(nil), orgs...), nil
	}
}

func (d *Directory) store(ctx context.Context, orgs []Organization) {
	if d.client == nil {
		return
	}
	raw, err := json.Marshal(orgs)
	if err != nil {
		return
	}
	if err := d.client.Set(ctx, participatingCacheKey, raw, d.ttl).Err(); err != nil {
		d.logger.Warn("organizations cache write", slog.Any("error", err))
	}
}
