package metrics

import (
	"context"
	"fmt"

	"contrib.go.opencensus.io/exporter/stackdriver"
	"github.com/zaproxy/release-sync/internal/config"
	"github.com/zaproxy/release-sync/internal/propagate"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	CounterRuns       = stats.Int64("release_sync_runs", "Number of propagation runs", "1")
	CounterNodeRuns   = stats.Int64("release_sync_node_runs", "Number of propagation node runs", "1")
	MeasureNodeTime   = stats.Float64("release_sync_node_duration", "Duration of propagation node runs", "ms")
	CounterCacheHit   = stats.Int64("cache_hits", "Number of cache hits", "1")
	CounterCacheMiss  = stats.Int64("cache_misses", "Number of cache misses", "1")
	CounterPublishErr = stats.Int64("release_sync_publish_errors", "Number of failed pull request publications", "1")

	TagNode     = tag.MustNewKey("node")
	TagStatus   = tag.MustNewKey("status")
	TagChanged  = tag.MustNewKey("changed")
	TagCacheKey = tag.MustNewKey("cache_key")
)

var views = []*view.View{
	{
		Name:        "release_sync_runs",
		Measure:     CounterRuns,
		Description: "Number of propagation runs",
		TagKeys:     []tag.Key{TagChanged},
		Aggregation: view.Count(),
	},
	{
		Name:        "release_sync_node_runs",
		Measure:     CounterNodeRuns,
		Description: "Number of propagation node runs",
		TagKeys:     []tag.Key{TagNode, TagStatus},
		Aggregation: view.Count(),
	},
	{
		Name:        "release_sync_node_duration",
		Measure:     MeasureNodeTime,
		Description: "Duration of propagation node runs",
		TagKeys:     []tag.Key{TagNode},
		Aggregation: view.Distribution(100, 500, 1000, 5000, 15000, 60000, 300000),
	},
	{
		Name:        "cache_hits",
		Measure:     CounterCacheHit,
		Description: "Number of cache hits",
		TagKeys:     []tag.Key{TagCacheKey},
		Aggregation: view.Count(),
	},
	{
		Name:        "cache_misses",
		Measure:     CounterCacheMiss,
		Description: "Number of cache misses",
		TagKeys:     []tag.Key{TagCacheKey},
		Aggregation: view.Count(),
	},
	{
		Name:        "release_sync_publish_errors",
		Measure:     CounterPublishErr,
		Description: "Number of failed pull request publications",
		TagKeys:     []tag.Key{TagNode},
		Aggregation: view.Count(),
	},
}

// RegisterViews makes the measurements available to exporters and to
// view.RetrieveData.
func RegisterViews() error {
	return view.Register(views...)
}

func NewExporter(cfg *config.Config) (*stackdriver.Exporter, error) {
	err := RegisterViews()
	if err != nil {
		return nil, err
	}
	exporter, err := stackdriver.NewExporter(stackdriver.Options{
		ProjectID:    cfg.ProjectID,
		MetricPrefix: fmt.Sprintf("release-sync/%s", cfg.Stage),
	})
	if err != nil {
		return nil, err
	}
	err = exporter.StartMetricsExporter()
	if err != nil {
		return nil, err
	}
	return exporter, nil
}

func RecordRun(ctx context.Context, changed bool) {
	ctx, _ = tag.New(ctx, tag.Upsert(TagChanged, fmt.Sprint(changed)))
	stats.Record(ctx, CounterRuns.M(1))
}

// RecordNode records the outcome of one propagation node.
func RecordNode(ctx context.Context, res propagate.NodeResult) {
	ctx, _ = tag.New(ctx, tag.Upsert(TagNode, res.Name), tag.Upsert(TagStatus, res.Status.String()))
	stats.Record(ctx, CounterNodeRuns.M(1))
	if res.Status != propagate.Blocked {
		stats.Record(ctx, MeasureNodeTime.M(float64(res.Duration.Milliseconds())))
	}
}

func RecordPublishError(ctx context.Context, node string) {
	ctx, _ = tag.New(ctx, tag.Upsert(TagNode, node))
	stats.Record(ctx, CounterPublishErr.M(1))
}
