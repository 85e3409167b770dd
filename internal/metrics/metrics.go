// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the proxy and resolver activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/Jigsaw-Code/demergi/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "demergi"

// Collector records the metrics of one process on its own registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	connections       *prometheus.CounterVec
	connectionErrors  *prometheus.CounterVec
	activeConnections prometheus.Gauge
	connectDuration   prometheus.Histogram
	dnsLookups        *prometheus.CounterVec
	dnsCache          *prometheus.CounterVec
}

var _ dns.Observer = (*Collector)(nil)

// NewCollector creates a [Collector] with the Go runtime and process collectors registered.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total client connections accepted, by kind of request",
		}, []string{"kind"}),
		connectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total client connections closed on error, by pipeline stage",
		}, []string{"stage"}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Client connections currently open",
		}),
		connectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time to establish the upstream connection",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		dnsLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_lookups_total",
			Help:      "Total DNS transport lookups, by family and result",
		}, []string{"family", "result"}),
		dnsCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_cache_lookups_total",
			Help:      "Total DNS cache lookups, by result",
		}, []string{"result"}),
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ConnectionOpened counts a new client connection of the given kind ("connect", "http" or "tls").
func (c *Collector) ConnectionOpened(kind string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(kind).Inc()
	c.activeConnections.Inc()
}

// ConnectionClosed is the counterpart of [Collector.ConnectionOpened].
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.activeConnections.Dec()
}

// ConnectionFailed counts a connection that failed at stage.
func (c *Collector) ConnectionFailed(stage string) {
	if c == nil {
		return
	}
	c.connectionErrors.WithLabelValues(stage).Inc()
}

// UpstreamConnected observes the time it took to connect to the target.
func (c *Collector) UpstreamConnected(d time.Duration) {
	if c == nil {
		return
	}
	c.connectDuration.Observe(d.Seconds())
}

// CacheLookup implements [dns.Observer].
func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.dnsCache.WithLabelValues(result).Inc()
}

// TransportLookup implements [dns.Observer].
func (c *Collector) TransportLookup(family dns.Family, found bool, err error) {
	if c == nil {
		return
	}
	result := "found"
	switch {
	case err != nil:
		result = "error"
	case !found:
		result = "empty"
	}
	c.dnsLookups.WithLabelValues(family.String(), result).Inc()
}
