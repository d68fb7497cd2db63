package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server's collectors. constructed once per process and
// handed down to the registry and tick loop; nothing registers globally.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedSlots prometheus.Gauge
	FramesDecoded  prometheus.Counter
	FramesDropped  prometheus.Counter
	FramesRelayed  prometheus.Counter
	Broadcasts     prometheus.Counter
	Evictions      *prometheus.CounterVec
	Rejections     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectedSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arenaparty_connected_slots",
			Help: "Number of occupied session slots.",
		}),
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arenaparty_frames_decoded_total",
			Help: "Frames successfully decoded and dispatched.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arenaparty_frames_dropped_total",
			Help: "Frames dropped because they failed to decode.",
		}),
		FramesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arenaparty_frames_relayed_total",
			Help: "Game frames relayed from one peer to the others.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arenaparty_broadcasts_total",
			Help: "Broadcast calls issued by the server.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arenaparty_evictions_total",
			Help: "Slots evicted, by reason.",
		}, []string{"reason"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arenaparty_rejections_total",
			Help: "Inbound connections rejected, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.ConnectedSlots,
		m.FramesDecoded,
		m.FramesDropped,
		m.FramesRelayed,
		m.Broadcasts,
		m.Evictions,
		m.Rejections,
	)

	return m
}

// Handler serves the metrics over http for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
