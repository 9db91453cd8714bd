package findex

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// promcollector package ships a Prometheus implementation.
type MetricsCollector interface {
	// RecordUpsert is called after each Add, Delete or Upsert call.
	// associations counts additions plus deletions, fresh is the number of
	// keywords that were new to the index.
	RecordUpsert(associations, fresh int, duration time.Duration, err error)

	// RecordSearch is called after each search. keywords is the number of
	// searched keywords, results the number of locations returned.
	RecordSearch(keywords, results int, duration time.Duration, err error)

	// RecordCompact is called after each compaction.
	RecordCompact(phases int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordUpsert(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSearch(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordCompact(int, time.Duration, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	UpsertCount        atomic.Int64
	UpsertErrors       atomic.Int64
	UpsertAssociations atomic.Int64
	UpsertNewKeywords  atomic.Int64
	UpsertTotalNanos   atomic.Int64
	SearchCount        atomic.Int64
	SearchErrors       atomic.Int64
	SearchKeywords     atomic.Int64
	SearchResults      atomic.Int64
	SearchTotalNanos   atomic.Int64
	CompactCount       atomic.Int64
	CompactErrors      atomic.Int64
	CompactTotalNanos  atomic.Int64
}

// RecordUpsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpsert(associations, fresh int, duration time.Duration, err error) {
	b.UpsertCount.Add(1)
	b.UpsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.UpsertErrors.Add(1)
		return
	}
	b.UpsertAssociations.Add(int64(associations))
	b.UpsertNewKeywords.Add(int64(fresh))
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(keywords, results int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	b.SearchKeywords.Add(int64(keywords))
	if err != nil {
		b.SearchErrors.Add(1)
		return
	}
	b.SearchResults.Add(int64(results))
}

// RecordCompact implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompact(phases int, duration time.Duration, err error) {
	b.CompactCount.Add(1)
	b.CompactTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CompactErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		UpsertCount:       b.UpsertCount.Load(),
		UpsertErrors:      b.UpsertErrors.Load(),
		UpsertNewKeywords: b.UpsertNewKeywords.Load(),
		UpsertAvgNanos:    avg(b.UpsertTotalNanos.Load(), b.UpsertCount.Load()),
		SearchCount:       b.SearchCount.Load(),
		SearchErrors:      b.SearchErrors.Load(),
		SearchResults:     b.SearchResults.Load(),
		SearchAvgNanos:    avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		CompactCount:      b.CompactCount.Load(),
		CompactErrors:     b.CompactErrors.Load(),
		CompactAvgNanos:   avg(b.CompactTotalNanos.Load(), b.CompactCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	UpsertCount       int64
	UpsertErrors      int64
	UpsertNewKeywords int64
	UpsertAvgNanos    int64
	SearchCount       int64
	SearchErrors      int64
	SearchResults     int64
	SearchAvgNanos    int64
	CompactCount      int64
	CompactErrors     int64
	CompactAvgNanos   int64
}
