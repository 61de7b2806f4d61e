// Package metrics exposes Prometheus collectors for layer edits, composites,
// version changes and storage traffic.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tattester/forgectl/internal/kvstore"
)

const namespace = "forge"

// Metrics holds every collector. Its methods satisfy layer.Observer,
// engine.Observer and version.Observer.
type Metrics struct {
	layerMutations   *prometheus.CounterVec
	historyDepth     *prometheus.GaugeVec
	compositeSeconds prometheus.Histogram
	compositeLayers  *prometheus.CounterVec
	versionChanges   *prometheus.CounterVec
	sessionVersions  prometheus.Histogram
	storageOps       *prometheus.CounterVec
	storageSeconds   *prometheus.HistogramVec
	storageBytes     prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		layerMutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_mutations_total",
			Help:      "Layer store operations by name",
		}, []string{"op"}),
		historyDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_depth",
			Help:      "Undo and redo depth after the most recent layer operation",
		}, []string{"stack"}),
		compositeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "composite_duration_seconds",
			Help:      "Time spent flattening a layer stack",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		compositeLayers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composite_layers_total",
			Help:      "Layers painted or skipped while compositing",
		}, []string{"result"}),
		versionChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_changes_total",
			Help:      "Version repository writes by operation",
		}, []string{"op"}),
		sessionVersions: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_versions",
			Help:      "Versions held by a session after a write",
			Buckets:   []float64{1, 5, 10, 25, 40, 50},
		}),
		storageOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Key-value store operations by result code",
		}, []string{"op", "result"}),
		storageSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Duration of key-value store operations",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25},
		}, []string{"op"}),
		storageBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_written_bytes_total",
			Help:      "Bytes written to the key-value store",
		}),
	}
}

// LayerMutation records a layer store operation.
func (m *Metrics) LayerMutation(op string, undoDepth, redoDepth int) {
	m.layerMutations.WithLabelValues(op).Inc()
	m.historyDepth.WithLabelValues("undo").Set(float64(undoDepth))
	m.historyDepth.WithLabelValues("redo").Set(float64(redoDepth))
}

// CompositeRendered records one composite.
func (m *Metrics) CompositeRendered(d time.Duration, painted, skipped int) {
	m.compositeSeconds.Observe(d.Seconds())
	m.compositeLayers.WithLabelValues("painted").Add(float64(painted))
	m.compositeLayers.WithLabelValues("skipped").Add(float64(skipped))
}

// VersionsChanged records a version repository write.
func (m *Metrics) VersionsChanged(op string, sessionVersions int) {
	m.versionChanges.WithLabelValues(op).Inc()
	m.sessionVersions.Observe(float64(sessionVersions))
}

// Store wraps a kvstore.Store and records every call.
type Store struct {
	kvstore.Store
	m *Metrics
}

// InstrumentStore wraps s so its traffic is recorded in m.
func (m *Metrics) InstrumentStore(s kvstore.Store) *Store {
	return &Store{Store: s, m: m}
}

func (s *Store) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = kvstore.Code(err)
	}
	s.m.storageOps.WithLabelValues(op, result).Inc()
	s.m.storageSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	v, ok, err := s.Store.Get(ctx, key)
	s.observe("get", start, err)
	return v, ok, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte) (kvstore.SetResult, error) {
	start := time.Now()
	res, err := s.Store.Set(ctx, key, value)
	s.observe("set", start, err)
	if err == nil {
		s.m.storageBytes.Add(float64(len(value)))
	}
	return res, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Store.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.Store.Keys(ctx, prefix)
	s.observe("keys", start, err)
	return keys, err
}
