package wlink

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

// Metrics wires protocol-level counters into an optional Prometheus registerer. A nil
// Registerer leaves the collectors unregistered; the methods still update them. Callers
// that want no instrumentation at all pass a nil *Metrics, which the engine checks
// before every call. Alongside the Prometheus collectors it keeps a plain atomic tally
// of the same events so Driver.Stats can hand back a snapshot without scraping.
type Metrics struct {
	framesSent      prometheus.Counter
	framesReceived  prometheus.Counter
	resets          *prometheus.CounterVec
	retransmitDrops prometheus.Counter
	playerCount     prometheus.Gauge

	framesSentCount      uint64
	framesReceivedCount  uint64
	resetsCount          uint64
	retransmitDropsCount uint64
}

// NewMetrics constructs and, if reg is non-nil, registers the collectors. Registration
// failures (e.g. a duplicate registerer reused across tests) are swallowed: metrics are
// observability, never a reason to fail Activate.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wlink_frames_sent_total",
			Help: "Frames transmitted to the adapter.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wlink_frames_received_total",
			Help: "Frames received from the adapter.",
		}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wlink_resets_total",
			Help: "Session resets, labeled by the triggering error.",
		}, []string{"reason"}),
		retransmitDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wlink_retransmit_drops_total",
			Help: "Outgoing messages rejected because the outgoing buffer was full.",
		}),
		playerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wlink_player_count",
			Help: "Current number of players in the session, including self.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.framesSent, m.framesReceived, m.resets, m.retransmitDrops, m.playerCount} {
			_ = reg.Register(c)
		}
	}
	return m
}

func (m *Metrics) frameSent() {
	m.framesSent.Inc()
	atomic.AddUint64(&m.framesSentCount, 1)
}

func (m *Metrics) frameReceived() {
	m.framesReceived.Inc()
	atomic.AddUint64(&m.framesReceivedCount, 1)
}

func (m *Metrics) retransmitDropped() {
	m.retransmitDrops.Inc()
	atomic.AddUint64(&m.retransmitDropsCount, 1)
}

func (m *Metrics) setPlayerCount(n uint8) { m.playerCount.Set(float64(n)) }

func (m *Metrics) reset(reason string) {
	m.resets.WithLabelValues(reason).Inc()
	atomic.AddUint64(&m.resetsCount, 1)
}

// Stats is a point-in-time snapshot exposed through Driver for callers that don't scrape
// Prometheus directly.
type Stats struct {
	SessionID       string
	FramesSent      uint64
	FramesReceived  uint64
	Resets          uint64
	RetransmitDrops uint64
	PlayerCount     uint8
}

// newSessionID mints a sortable, globally-unique correlation id for one Activate() call,
// attached to every log line the engine emits for that session's lifetime.
func newSessionID() string {
	return xid.New().String()
}
