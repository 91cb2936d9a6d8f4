package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zaproxy/release-sync/internal/metrics"
	"github.com/zaproxy/release-sync/pkg/release"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
)

const snapshotCacheKey = "state/snapshot"

// encodedSnapshot is the state endpoint response, kept until the next run.
type encodedSnapshot struct {
	body []byte
	etag string
}

func encodeSnapshot(snap *release.Snapshot) (*encodedSnapshot, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum := sha256.Sum256(body)
	return &encodedSnapshot{
		body: append(body, '\n'),
		etag: `"` + hex.EncodeToString(sum[:8]) + `"`,
	}, nil
}

func (s *Server) recordCacheLookup(ctx context.Context, m *stats.Int64Measure) {
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.TagCacheKey, snapshotCacheKey))
	stats.Record(ctx, m.M(1))
}

// snapshot returns the encoded snapshot and whether it came from the cache.
func (s *Server) snapshot(ctx context.Context) (*encodedSnapshot, bool, error) {
	useCache := !s.config.DisableRequestCache
	if useCache {
		if v, ok := s.cache.Get(snapshotCacheKey); ok {
			s.recordCacheLookup(ctx, metrics.CounterCacheHit)
			return v.(*encodedSnapshot), true, nil
		}
	}
	snap, err := s.runner.Snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	enc, err := encodeSnapshot(snap)
	if err != nil {
		return nil, false, err
	}
	if useCache {
		s.recordCacheLookup(ctx, metrics.CounterCacheMiss)
		s.cache.SetDefault(snapshotCacheKey, enc)
	}
	return enc, false, nil
}

// forgetSnapshot drops the cached snapshot once a run may have replaced it.
func (s *Server) forgetSnapshot() {
	s.cache.Delete(snapshotCacheKey)
}
