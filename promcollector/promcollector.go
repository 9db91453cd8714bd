// Package promcollector exports findex operation metrics to Prometheus.
package promcollector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/findex"
)

// Keys for findex metrics.
const (
	OperationsTotalKey          = "findex_operations_total"
	OperationDurationSecondsKey = "findex_operation_duration_seconds"
	NewKeywordsTotalKey         = "findex_new_keywords_total"
	AssociationsTotalKey        = "findex_associations_total"
	SearchResultsKey            = "findex_search_results"

	Fail = "fail"
	Ok   = "ok"
)

// Collector is a findex.MetricsCollector backed by Prometheus collectors.
// Register it with a prometheus.Registerer.
type Collector struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	newKeywords  prometheus.Counter
	associations prometheus.Counter
	results      prometheus.Histogram
}

var (
	_ findex.MetricsCollector = (*Collector)(nil)
	_ prometheus.Collector    = (*Collector)(nil)
)

// New creates a Collector. constLabels are attached to every series.
func New(constLabels prometheus.Labels) *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        OperationsTotalKey,
			Help:        "Cumulative number of index operations.",
			ConstLabels: constLabels,
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        OperationDurationSecondsKey,
			Help:        "Duration of index operations.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"operation", "status"}),
		newKeywords: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        NewKeywordsTotalKey,
			Help:        "Cumulative number of keywords added to the index for the first time.",
			ConstLabels: constLabels,
		}),
		associations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        AssociationsTotalKey,
			Help:        "Cumulative number of associations upserted.",
			ConstLabels: constLabels,
		}),
		results: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        SearchResultsKey,
			Help:        "Number of locations returned per search.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

func status(err error) string {
	if err != nil {
		return Fail
	}
	return Ok
}

func (c *Collector) observe(op string, d time.Duration, err error) {
	s := status(err)
	c.operations.WithLabelValues(op, s).Inc()
	c.duration.WithLabelValues(op, s).Observe(d.Seconds())
}

// RecordUpsert implements findex.MetricsCollector.
func (c *Collector) RecordUpsert(associations, fresh int, d time.Duration, err error) {
	c.observe("upsert", d, err)
	if err == nil {
		c.associations.Add(float64(associations))
		c.newKeywords.Add(float64(fresh))
	}
}

// RecordSearch implements findex.MetricsCollector.
func (c *Collector) RecordSearch(_, results int, d time.Duration, err error) {
	c.observe("search", d, err)
	if err == nil {
		c.results.Observe(float64(results))
	}
}

// RecordCompact implements findex.MetricsCollector.
func (c *Collector) RecordCompact(_ int, d time.Duration, err error) {
	c.observe("compact", d, err)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.operations.Describe(ch)
	c.duration.Describe(ch)
	c.newKeywords.Describe(ch)
	c.associations.Describe(ch)
	c.results.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.operations.Collect(ch)
	c.duration.Collect(ch)
	c.newKeywords.Collect(ch)
	c.associations.Collect(ch)
	c.results.Collect(ch)
}
