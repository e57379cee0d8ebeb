// Package xmetrics exposes the connection core's Prometheus counters
// and gauges: a handful of high-value series fed from the same call
// sites that already invoke xrdif.Monitor, registered once on the
// default registry so a single /metrics endpoint covers every Stream
// in the process.
package xmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/schwicke/xrootd/pkg/xrdif"
)

var registerOnce sync.Once

// Collector implements xrdif.Monitor and records every connect and
// disconnect it observes as Prometheus series. It is safe to construct
// more than once; registration against the default registry happens
// exactly once process-wide.
type Collector struct {
	connects      *prometheus.CounterVec
	disconnects   *prometheus.CounterVec
	streamsUp     prometheus.Gauge
	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
	connectedFor  prometheus.Histogram
}

// NewCollector builds a Collector and registers its series with the
// default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrootd",
			Subsystem: "stream",
			Name:      "connects_total",
			Help:      "Successful substream-0 connects, labeled by endpoint host.",
		}, []string{"host"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrootd",
			Subsystem: "stream",
			Name:      "disconnects_total",
			Help:      "Session losses, labeled by endpoint host.",
		}, []string{"host"}),
		streamsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xrootd",
			Subsystem: "stream",
			Name:      "substreams_up",
			Help:      "Substream count reported by the most recent connect across all streams.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xrootd",
			Subsystem: "stream",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the wire across every substream and every stream.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xrootd",
			Subsystem: "stream",
			Name:      "bytes_received_total",
			Help:      "Bytes read from the wire across every substream and every stream.",
		}),
		connectedFor: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "xrootd",
			Subsystem: "stream",
			Name:      "connected_seconds",
			Help:      "How long a session stayed up before it was lost.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}

	registerOnce.Do(func() {
		prometheus.MustRegister(c.connects, c.disconnects, c.streamsUp, c.bytesSent, c.bytesReceived, c.connectedFor)
	})

	return c
}

// OnConnect implements xrdif.Monitor.
func (c *Collector) OnConnect(info xrdif.ConnectInfo) {
	c.connects.WithLabelValues(info.URL.Host()).Inc()
	c.streamsUp.Set(float64(info.StreamsUp))
}

// OnDisconnect implements xrdif.Monitor.
func (c *Collector) OnDisconnect(info xrdif.DisconnectInfo) {
	c.disconnects.WithLabelValues(info.URL.Host()).Inc()
	c.bytesSent.Add(float64(info.BytesSent))
	c.bytesReceived.Add(float64(info.BytesRecv))
	c.connectedFor.Observe(info.ConnectedFor.Seconds())
}

var _ xrdif.Monitor = (*Collector)(nil)
