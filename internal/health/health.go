package health

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sample is one observed agent invocation.
type Sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Success   bool
}

// Stats are rolling statistics over an agent's sample window.
type Stats struct {
	Count     int           `json:"count"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	ErrorRate float64       `json:"error_rate"`
}

// Alert is emitted when an agent crosses a health threshold.
type Alert struct {
	AgentID   string        `json:"agent_id"`
	Reason    string        `json:"reason"`
	ErrorRate float64       `json:"error_rate,omitempty"`
	P95       time.Duration `json:"p95,omitempty"`
	At        time.Time     `json:"at"`
}

// AlertFunc receives threshold-crossing alerts. Called outside the
// tracker's lock; implementations must not block.
type AlertFunc func(Alert)

// ring is a fixed-capacity sample buffer, oldest evicted first.
type ring struct {
	samples []Sample
	next    int
	count   int
	alerted bool
}

func (r *ring) append(s Sample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

func (r *ring) snapshot() []Sample {
	out := make([]Sample, 0, r.count)
	if r.count < len(r.samples) {
		out = append(out, r.samples[:r.count]...)
		return out
	}
	out = append(out, r.samples[r.next:]...)
	out = append(out, r.samples[:r.next]...)
	return out
}

// Tracker keeps a bounded per-agent performance history and computes
// rolling health scores. Memory use is fixed regardless of run length.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*ring

	p95Alert time.Duration
	errAlert float64
	onAlert  AlertFunc
	logger   *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAlertThresholds sets the p95 latency and error-rate levels that
// trigger alerts. Non-positive values keep the defaults.
func WithAlertThresholds(p95 time.Duration, errRate float64) Option {
	return func(t *Tracker) {
		if p95 > 0 {
			t.p95Alert = p95
		}
		if errRate > 0 {
			t.errAlert = errRate
		}
	}
}

// WithAlertFunc registers the alert receiver.
func WithAlertFunc(fn AlertFunc) Option {
	return func(t *Tracker) { t.onAlert = fn }
}

// NewTracker creates a tracker holding up to capacity samples per agent.
func NewTracker(capacity int, logger *zap.Logger, opts ...Option) *Tracker {
	if capacity <= 0 {
		capacity = 256
	}
	t := &Tracker{
		capacity: capacity,
		rings:    make(map[string]*ring),
		p95Alert: 5 * time.Second,
		errAlert: 0.01,
		logger:   logger,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record stores one invocation outcome for an agent and fires an alert
// when the agent's window crosses a threshold (once per crossing).
func (t *Tracker) Record(agentID string, latency time.Duration, success bool) {
	t.mu.Lock()
	r, ok := t.rings[agentID]
	if !ok {
		r = &ring{samples: make([]Sample, t.capacity)}
		t.rings[agentID] = r
	}
	r.append(Sample{Timestamp: time.Now(), Latency: latency, Success: success})

	stats := compute(r.snapshot())
	breached := stats.ErrorRate > t.errAlert || stats.P95 > t.p95Alert
	fire := breached && !r.alerted
	r.alerted = breached
	t.mu.Unlock()

	if fire && t.onAlert != nil {
		reason := "error_rate"
		if stats.P95 > t.p95Alert {
			reason = "p95_latency"
		}
		alert := Alert{
			AgentID:   agentID,
			Reason:    reason,
			ErrorRate: stats.ErrorRate,
			P95:       stats.P95,
			At:        time.Now(),
		}
		t.logger.Warn("health threshold crossed",
			zap.String("agent", agentID),
			zap.String("reason", reason),
			zap.Float64("error_rate", stats.ErrorRate),
			zap.Duration("p95", stats.P95))
		t.onAlert(alert)
	}
}

// Stats returns rolling statistics for an agent. Zero value for unknown ids.
func (t *Tracker) Stats(agentID string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rings[agentID]
	if !ok {
		return Stats{}
	}
	return compute(r.snapshot())
}

// Score computes a health score in [0,1] from recent error rate and
// responsiveness. Agents with no history score 1.0 so new agents are
// admitted until proven otherwise.
func (t *Tracker) Score(agentID string) float64 {
	s := t.Stats(agentID)
	if s.Count == 0 {
		return 1.0
	}
	score := 1.0 - s.ErrorRate
	if t.p95Alert > 0 && s.P95 > t.p95Alert {
		// Responsiveness penalty grows with how far p95 exceeds the target.
		over := float64(s.P95) / float64(t.p95Alert)
		score /= over
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Scores returns current scores for all tracked agents.
func (t *Tracker) Scores() map[string]float64 {
	t.mu.Lock()
	ids := make([]string, 0, len(t.rings))
	for id := range t.rings {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		out[id] = t.Score(id)
	}
	return out
}

// Forget drops an agent's history. Called on deregistration so samples
// never leak across agent generations.
func (t *Tracker) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rings, agentID)
}

// Capacity returns the per-agent window size.
func (t *Tracker) Capacity() int {
	return t.capacity
}

func compute(samples []Sample) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	latencies := make([]time.Duration, len(samples))
	failures := 0
	for i, s := range samples {
		latencies[i] = s.Latency
		if !s.Success {
			failures++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return Stats{
		Count:     len(samples),
		P50:       percentile(latencies, 0.50),
		P95:       percentile(latencies, 0.95),
		ErrorRate: float64(failures) / float64(len(samples)),
	}
}

// percentile expects sorted input and uses nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
