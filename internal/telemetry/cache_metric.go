package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics holds all the metric instruments for the disk cache.
type CacheMetrics struct {
	LoadsCounter        metric.Int64Counter
	HitsCounter         metric.Int64Counter
	MissesCounter       metric.Int64Counter
	EvictionsCounter    metric.Int64Counter
	FlushedPagesCounter metric.Int64Counter
	DirtyPagesUpDown    metric.Int64UpDownCounter
}

// NewCacheMetrics creates and registers all the metrics for the disk cache.
func NewCacheMetrics(meter metric.Meter) (*CacheMetrics, error) {
	loadsCounter, err := meter.Int64Counter(
		"gojocache.cache.loads_total",
		metric.WithDescription("Total number of page loads."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	hitsCounter, err := meter.Int64Counter(
		"gojocache.cache.hits_total",
		metric.WithDescription("Page loads served from a resident entry."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	missesCounter, err := meter.Int64Counter(
		"gojocache.cache.misses_total",
		metric.WithDescription("Page loads not served from a resident read-cache entry."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionsCounter, err := meter.Int64Counter(
		"gojocache.cache.evictions_total",
		metric.WithDescription("Entries evicted by the replacement policy."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushedPagesCounter, err := meter.Int64Counter(
		"gojocache.cache.flushed_pages_total",
		metric.WithDescription("Dirty pages written back to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dirtyPagesUpDown, err := meter.Int64UpDownCounter(
		"gojocache.cache.dirty_pages",
		metric.WithDescription("Number of pages currently in the dirty-page table."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{
		LoadsCounter:        loadsCounter,
		HitsCounter:         hitsCounter,
		MissesCounter:       missesCounter,
		EvictionsCounter:    evictionsCounter,
		FlushedPagesCounter: flushedPagesCounter,
		DirtyPagesUpDown:    dirtyPagesUpDown,
	}, nil
}
