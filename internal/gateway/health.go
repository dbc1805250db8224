package gateway

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	healthWindow      = time.Hour
	heartbeatRingSize = 256
)

// HealthSnapshot is the process-wide connection health view.
type HealthSnapshot struct {
	UptimePercent  float64 `json:"uptimePercent"`
	HeartbeatP95Ms float64 `json:"heartbeatP95Ms"`
	ReconnectCount int     `json:"reconnectCount"`
	Score          float64 `json:"score"`
}

// Health tracks connection availability, heartbeat latencies, and
// reconnect starts over a rolling one-hour window.
type Health struct {
	mu sync.Mutex

	// availability transitions within the window; each entry marks the
	// moment the connection became up or down
	transitions []availabilityChange
	up          bool
	since       time.Time

	// bounded ring of recent heartbeat latencies in ms
	latencies [heartbeatRingSize]float64
	latCount  int
	latNext   int

	reconnects []time.Time

	now func() time.Time

	heartbeatHist    prometheus.Histogram
	reconnectCounter prometheus.Counter
	availabilityG    prometheus.Gauge
}

type availabilityChange struct {
	at time.Time
	up bool
}

// NewHealth creates a health tracker and registers its instruments.
// reg may be nil in tests.
func NewHealth(reg prometheus.Registerer) *Health {
	h := &Health{
		now:   time.Now,
		since: time.Now(),
		heartbeatHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradewind",
			Subsystem: "gateway",
			Name:      "heartbeat_latency_ms",
			Help:      "Gateway heartbeat round-trip latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		reconnectCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradewind",
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Number of reconnect attempts started",
		}),
		availabilityG: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradewind",
			Subsystem: "gateway",
			Name:      "session_up",
			Help:      "1 while the gateway session is connected",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.heartbeatHist, h.reconnectCounter, h.availabilityG)
	}
	return h
}

// RecordAvailability marks the session up or down.
func (h *Health) RecordAvailability(up bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if up == h.up && len(h.transitions) > 0 {
		return
	}
	h.up = up
	h.transitions = append(h.transitions, availabilityChange{at: now, up: up})
	h.prune(now)

	if up {
		h.availabilityG.Set(1)
	} else {
		h.availabilityG.Set(0)
	}
}

// RecordHeartbeatLatency records one heartbeat round trip.
func (h *Health) RecordHeartbeatLatency(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latencies[h.latNext] = ms
	h.latNext = (h.latNext + 1) % heartbeatRingSize
	if h.latCount < heartbeatRingSize {
		h.latCount++
	}
	h.heartbeatHist.Observe(ms)
}

// RecordReconnect counts a reconnect start.
func (h *Health) RecordReconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.reconnects = append(h.reconnects, now)
	h.prune(now)
	h.reconnectCounter.Inc()
}

// Snapshot computes the current rolling-window health view.
// Score = 0.5*uptime + 0.3*max(0, 100 - p95/2) + 0.2*max(0, 100 - reconnects*20),
// clamped to [0, 100].
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.prune(now)

	uptime := h.uptimePercent(now)
	p95 := h.heartbeatP95()
	reconnects := len(h.reconnects)

	score := 0.5*uptime +
		0.3*math.Max(0, 100-p95/2) +
		0.2*math.Max(0, 100-float64(reconnects)*20)
	score = math.Max(0, math.Min(100, score))

	return HealthSnapshot{
		UptimePercent:  uptime,
		HeartbeatP95Ms: p95,
		ReconnectCount: reconnects,
		Score:          score,
	}
}

// uptimePercent integrates availability over the window. With no
// transitions recorded yet the session has never been up.
func (h *Health) uptimePercent(now time.Time) float64 {
	windowStart := now.Add(-healthWindow)
	start := h.since
	if start.Before(windowStart) {
		start = windowStart
	}
	total := now.Sub(start)
	if total <= 0 {
		return 0
	}

	// Walk transitions in order, accumulating up-time between the
	// cursor and each transition. Transitions at or before the window
	// start only establish the starting state.
	state := false
	cursor := start
	var upDur time.Duration
	for _, tr := range h.transitions {
		if !tr.at.After(start) {
			state = tr.up
			continue
		}
		if state {
			upDur += tr.at.Sub(cursor)
		}
		cursor = tr.at
		state = tr.up
	}
	if state {
		upDur += now.Sub(cursor)
	}

	pct := float64(upDur) / float64(total) * 100
	return math.Max(0, math.Min(100, pct))
}

func (h *Health) heartbeatP95() float64 {
	if h.latCount == 0 {
		return 0
	}
	vals := make([]float64, h.latCount)
	copy(vals, h.latencies[:h.latCount])
	sort.Float64s(vals)
	idx := int(math.Ceil(0.95*float64(len(vals)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

func (h *Health) prune(now time.Time) {
	cutoff := now.Add(-healthWindow)

	firstValid := 0
	for firstValid < len(h.transitions) && h.transitions[firstValid].at.Before(cutoff) {
		firstValid++
	}
	// keep one pre-window transition so the window-start state is known
	if firstValid > 0 {
		firstValid--
	}
	h.transitions = h.transitions[firstValid:]

	kept := h.reconnects[:0]
	for _, t := range h.reconnects {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	h.reconnects = kept
}
