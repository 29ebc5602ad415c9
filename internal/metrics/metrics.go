// Package metrics holds the Prometheus collectors for boardsync. Each Collector
// owns a private registry so isolated instances can coexist in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	Saves             *prometheus.CounterVec
	SaveFailures      *prometheus.CounterVec
	SyncOperations    *prometheus.CounterVec
	ConflictsResolved *prometheus.CounterVec
	PendingChanges    prometheus.Gauge
	HTTPRequests      *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "boardsync"
	}
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Save requests by key and persistence mode",
		}, []string{"key", "mode"}),
		SaveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_failures_total",
			Help:      "Physical writes that failed",
		}, []string{"key"}),
		SyncOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "Remote sync operations by data type, direction and result",
		}, []string{"data_type", "direction", "result"}),
		ConflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts resolved by strategy",
		}, []string{"strategy"}),
		PendingChanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_changes",
			Help:      "Changes waiting to be acknowledged by the remote",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Sync endpoint requests by route and status",
		}, []string{"route", "status"}),
	}
	registry.MustRegister(
		c.Saves,
		c.SaveFailures,
		c.SyncOperations,
		c.ConflictsResolved,
		c.PendingChanges,
		c.HTTPRequests,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveSave(key, mode string) {
	if c == nil {
		return
	}
	c.Saves.WithLabelValues(key, mode).Inc()
}

func (c *Collector) ObserveSaveFailure(key string) {
	if c == nil {
		return
	}
	c.SaveFailures.WithLabelValues(key).Inc()
}

func (c *Collector) ObserveSync(dataType, direction, result string) {
	if c == nil {
		return
	}
	c.SyncOperations.WithLabelValues(dataType, direction, result).Inc()
}

func (c *Collector) ObserveConflict(strategy string) {
	if c == nil {
		return
	}
	c.ConflictsResolved.WithLabelValues(strategy).Inc()
}

func (c *Collector) SetPendingChanges(n int) {
	if c == nil {
		return
	}
	c.PendingChanges.Set(float64(n))
}

func (c *Collector) ObserveHTTP(route, status string) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(route, status).Inc()
}
