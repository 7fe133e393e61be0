package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// ActionRequestsTotal counts envelope actions by name and outcome code.
	ActionRequestsTotal *prometheus.CounterVec

	// StoreLatency records store operation latency by operation name.
	StoreLatency *prometheus.HistogramVec

	// EmbedLatency records embedding latency.
	EmbedLatency prometheus.Histogram

	// EmbedCacheTotal counts embedding cache lookups by outcome (hit, miss).
	EmbedCacheTotal *prometheus.CounterVec

	// AuthFailuresTotal counts rejected bearer tokens.
	AuthFailuresTotal prometheus.Counter

	// MonitorTicksTotal counts monitor tick outcomes by result
	// (capture, skip, idle, error, overrun).
	MonitorTicksTotal *prometheus.CounterVec

	// RetentionPurgedTotal counts records removed by retention.
	RetentionPurgedTotal prometheus.Counter
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Must be called before the HTTP server starts. Safe to call multiple times;
// only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "user_memory_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "user_memory_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ActionRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "user_memory_action_requests_total",
			Help: "Envelope action requests by action and outcome",
		},
		[]string{"action", "code"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "user_memory_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	EmbedLatency = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "user_memory_embed_latency_seconds",
		Help:    "Embedding latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	EmbedCacheTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "user_memory_embed_cache_total",
			Help: "Embedding cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	AuthFailuresTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "user_memory_auth_failures_total",
		Help: "Rejected bearer tokens",
	})

	MonitorTicksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "user_memory_monitor_ticks_total",
			Help: "Screen monitor tick outcomes",
		},
		[]string{"result"},
	)

	RetentionPurgedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "user_memory_retention_purged_total",
		Help: "Records removed by the retention controller",
	})
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}

// ObserveAction records one envelope action outcome. Code is "" for success.
func ObserveAction(action, code string) {
	if ActionRequestsTotal == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	ActionRequestsTotal.WithLabelValues(action, code).Inc()
}

// ObserveEmbed records one embedding call's latency.
func ObserveEmbed(d time.Duration) {
	if EmbedLatency != nil {
		EmbedLatency.Observe(d.Seconds())
	}
}

// ObserveStore records one store operation's latency.
func ObserveStore(operation string, d time.Duration) {
	if StoreLatency != nil {
		StoreLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

// CountEmbedCache records one embedding cache lookup outcome.
func CountEmbedCache(hit bool) {
	if EmbedCacheTotal == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	EmbedCacheTotal.WithLabelValues(outcome).Inc()
}

// CountMonitorTick records one monitor tick outcome.
func CountMonitorTick(result string) {
	if MonitorTicksTotal != nil {
		MonitorTicksTotal.WithLabelValues(result).Inc()
	}
}

// AddRetentionPurged adds to the purged-record counter.
func AddRetentionPurged(n int64) {
	if RetentionPurgedTotal != nil && n > 0 {
		RetentionPurgedTotal.Add(float64(n))
	}
}
