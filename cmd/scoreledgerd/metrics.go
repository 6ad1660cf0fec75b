// metrics.go - Metrics collection for the score ledger daemon
package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"confidentialscore/internal/errs"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
)

// Metric represents a single metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

const histogramWindow = 1000

// MetricsCollector manages metrics collection
type MetricsCollector struct {
	mu         sync.RWMutex
	metrics    map[string]*Metric
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:    make(map[string]*Metric),
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter increments a counter metric
func (mc *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	mc.counters[key]++
	mc.updateMetric(key, name, Counter, float64(mc.counters[key]), labels)
}

// SetGauge sets a gauge metric value
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	mc.gauges[key] = value
	mc.updateMetric(key, name, Gauge, value, labels)
}

// RecordHistogram records a value in a histogram
func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	h := append(mc.histograms[key], value)
	if len(h) > histogramWindow {
		h = h[len(h)-histogramWindow:]
	}
	mc.histograms[key] = h
	mc.updateMetric(key, name, Histogram, value, labels)
}

// GetMetric retrieves a metric by name and labels
func (mc *MetricsCollector) GetMetric(name string, labels map[string]string) *Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics[makeKey(name, labels)]
}

// GetMetricsSummary returns a summary of all metrics
func (mc *MetricsCollector) GetMetricsSummary() map[string]interface{} {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	counters := make(map[string]int64, len(mc.counters))
	for key, v := range mc.counters {
		counters[key] = v
	}
	gauges := make(map[string]float64, len(mc.gauges))
	for key, v := range mc.gauges {
		gauges[key] = v
	}
	histograms := make(map[string]map[string]float64, len(mc.histograms))
	for key, values := range mc.histograms {
		if len(values) == 0 {
			continue
		}
		s := map[string]float64{"count": float64(len(values)), "min": values[0], "max": values[0]}
		for _, v := range values {
			s["min"] = min(s["min"], v)
			s["max"] = max(s["max"], v)
			s["sum"] += v
		}
		s["avg"] = s["sum"] / s["count"]
		histograms[key] = s
	}
	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// ServeHTTP renders the summary as JSON.
func (mc *MetricsCollector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mc.GetMetricsSummary())
}

// makeKey creates a deterministic key for a metric name and labels
func makeKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("_" + k + "_" + labels[k])
	}
	return b.String()
}

func (mc *MetricsCollector) updateMetric(key, name string, metricType MetricType, value float64, labels map[string]string) {
	mc.metrics[key] = &Metric{
		Name:      name,
		Type:      metricType,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}
}

// Predefined metric names
const (
	MetricRequestCount     = "request_count"
	MetricRequestTime      = "request_time"
	MetricBackendOpCount   = "backend_op_count"
	MetricBackendOpTime    = "backend_op_time"
	MetricParticipants     = "participants"
	MetricSetupTime        = "proving_setup_time"
	MetricErrorCount       = "error_count"
	MetricWebhookDelivered = "webhook_delivered"
	MetricWebhookDropped   = "notifications_dropped"
)

// RecordRequest is an api.RequestObserver.
func (mc *MetricsCollector) RecordRequest(route string, status int, elapsed time.Duration) {
	labels := map[string]string{"route": route, "status": strconv.Itoa(status)}
	mc.IncrementCounter(MetricRequestCount, labels)
	mc.RecordHistogram(MetricRequestTime, elapsed.Seconds(), map[string]string{"route": route})
}

// RecordBackendOp is an fhe.Observer; op is verify, max or decrypt.
func (mc *MetricsCollector) RecordBackendOp(op string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	mc.IncrementCounter(MetricBackendOpCount, map[string]string{"op": op, "result": result})
	mc.RecordHistogram(MetricBackendOpTime, elapsed.Seconds(), map[string]string{"op": op})
}

func (mc *MetricsCollector) RecordSetup(duration time.Duration) {
	mc.RecordHistogram(MetricSetupTime, duration.Seconds(), nil)
}

func (mc *MetricsCollector) SetParticipants(ledgerName string, n int) {
	mc.SetGauge(MetricParticipants, float64(n), map[string]string{"ledger": ledgerName})
}

func (mc *MetricsCollector) RecordError(errorType string) {
	mc.IncrementCounter(MetricErrorCount, map[string]string{"type": errorType})
}

// RecordAPIError is an api.ErrorObserver.
func (mc *MetricsCollector) RecordAPIError(err error) {
	mc.RecordError(errorType(err))
}

var errorTypes = []struct {
	err  error
	name string
}{
	{errs.ErrNotFound, "not_found"},
	{errs.ErrNoValue, "no_value"},
	{errs.ErrOutOfRange, "out_of_range"},
	{errs.ErrVerificationFailed, "verification_failed"},
	{errs.ErrDuplicate, "duplicate"},
	{errs.ErrUnauthorized, "unauthorized"},
	{errs.ErrAuthorizationDenied, "authorization_denied"},
	{errs.ErrExpired, "expired"},
	{errs.ErrBadRequest, "bad_request"},
	{errs.ErrBusy, "busy"},
	{errs.ErrBackendUnavailable, "backend_unavailable"},
}

func errorType(err error) string {
	for _, t := range errorTypes {
		if errors.Is(err, t.err) {
			return t.name
		}
	}
	return "internal"
}
