package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Push metrics
	pushReceived *prometheus.CounterVec
	pushApplied  *prometheus.CounterVec
	pushDropped  *prometheus.CounterVec
	pushHeld     prometheus.Counter
	queueDepth   prometheus.Gauge
	cacheEntries prometheus.Gauge
	dispatchTime prometheus.Histogram

	// Mutation metrics
	mutationsStarted  *prometheus.CounterVec
	mutationsSettled  *prometheus.CounterVec
	mutationsInflight prometheus.Gauge
	mutationDuration  prometheus.Histogram

	// Connection metrics
	channelState *prometheus.GaugeVec
	reconnects   *prometheus.CounterVec
	roomsJoined  prometheus.Gauge

	// Session metrics
	sessionState  *prometheus.GaugeVec
	forcedLogouts prometheus.Counter
}

// New registers every collector on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		pushReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_push_events_received_total",
			Help: "Push events received, by entity type",
		}, []string{"entity"}),
		pushApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_push_events_applied_total",
			Help: "Cache writes caused by push events, by entity type",
		}, []string{"entity"}),
		pushDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_push_events_dropped_total",
			Help: "Push events ignored, by reason",
		}, []string{"reason"}),
		pushHeld: f.NewCounter(prometheus.CounterOpts{
			Name: "sync_push_events_held_total",
			Help: "Push events held back behind a pending mutation",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "sync_dispatch_queue_depth",
			Help: "Push events waiting for dispatch",
		}),
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "sync_cache_entries",
			Help: "Number of cache slots",
		}),
		dispatchTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_dispatch_duration_seconds",
			Help:    "Time spent applying one push event",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		mutationsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_mutations_started_total",
			Help: "Optimistic mutations started, by name",
		}, []string{"name"}),
		mutationsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_mutations_settled_total",
			Help: "Optimistic mutations settled, by name and status",
		}, []string{"name", "status"}),
		mutationsInflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "sync_mutations_inflight",
			Help: "Optimistic mutations awaiting their remote call",
		}),
		mutationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_mutation_duration_seconds",
			Help:    "Time from optimistic write to settlement",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		channelState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_channel_state",
			Help: "1 for the current state of each push channel",
		}, []string{"channel", "state"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_channel_reconnects_total",
			Help: "Reconnect attempts, by channel",
		}, []string{"channel"}),
		roomsJoined: f.NewGauge(prometheus.GaugeOpts{
			Name: "sync_rooms_joined",
			Help: "Auction rooms currently joined",
		}),

		sessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_session_state",
			Help: "1 for the current session state",
		}, []string{"state"}),
		forcedLogouts: f.NewCounter(prometheus.CounterOpts{
			Name: "sync_forced_logouts_total",
			Help: "Forced sign-outs performed by the session watcher",
		}),
	}
}

// All recorders below accept a nil receiver so metrics stay optional.

func (m *Metrics) PushReceived(entity string) {
	if m == nil {
		return
	}
	m.pushReceived.WithLabelValues(entity).Inc()
}

func (m *Metrics) PushApplied(entity string) {
	if m == nil {
		return
	}
	m.pushApplied.WithLabelValues(entity).Inc()
}

func (m *Metrics) PushDropped(reason string) {
	if m == nil {
		return
	}
	m.pushDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) PushHeld() {
	if m == nil {
		return
	}
	m.pushHeld.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) ObserveDispatch(seconds float64) {
	if m == nil {
		return
	}
	m.dispatchTime.Observe(seconds)
}

func (m *Metrics) MutationStarted(name string) {
	if m == nil {
		return
	}
	m.mutationsStarted.WithLabelValues(name).Inc()
	m.mutationsInflight.Inc()
}

func (m *Metrics) MutationSettled(name, status string, seconds float64) {
	if m == nil {
		return
	}
	m.mutationsSettled.WithLabelValues(name, status).Inc()
	m.mutationsInflight.Dec()
	m.mutationDuration.Observe(seconds)
}

var channelStates = []string{"disconnected", "connecting", "connected", "errored"}

func (m *Metrics) SetChannelState(channel, state string) {
	if m == nil {
		return
	}
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.channelState.WithLabelValues(channel, s).Set(v)
	}
}

func (m *Metrics) Reconnect(channel string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(channel).Inc()
}

func (m *Metrics) SetRoomsJoined(n int) {
	if m == nil {
		return
	}
	m.roomsJoined.Set(float64(n))
}

var sessionStates = []string{"VALID", "EXPIRING_SOON", "EXPIRED", "LOGGED_OUT"}

func (m *Metrics) SetSessionState(state string) {
	if m == nil {
		return
	}
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ForcedLogout() {
	if m == nil {
		return
	}
	m.forcedLogouts.Inc()
}
