package memmon

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/khaliqgant/agent-relay-sub006/internal/config"
	"github.com/khaliqgant/agent-relay-sub006/internal/hooks"
	"github.com/khaliqgant/agent-relay-sub006/internal/logging"
)

// Trend classifies the RSS rate of change over the most recent window
// (§4.J).
type Trend string

const (
	TrendGrowing  Trend = "growing"
	TrendStable   Trend = "stable"
	TrendShrinking Trend = "shrinking"
	TrendUnknown  Trend = "unknown"
)

// AlertLevel is the memory alert state machine's current state.
type AlertLevel string

const (
	AlertNormal      AlertLevel = "normal"
	AlertWarning     AlertLevel = "warning"
	AlertCritical    AlertLevel = "critical"
	AlertOOMImminent AlertLevel = "oom_imminent"
)

// Snapshot is one sample in an agent's ring buffer.
type Snapshot struct {
	TimestampMs   int64
	ResidentBytes uint64
	HeapUsed      uint64
	HeapTotal     uint64
	ExternalBytes uint64
	CPUPercent    float64
}

// Metrics is the public, read-only view of one monitored agent's
// memory history (§3 "Memory Metrics").
type Metrics struct {
	Agent         string
	PID           int
	StartedAt     time.Time
	History       []Snapshot
	HighWatermark uint64
	LowWatermark  uint64
	AverageRSS    uint64
	Trend         Trend
	RatePerMinute float64
	AlertLevel    AlertLevel
	LastAlertTime time.Time
	Unregistered  bool
}

// LikelyCause classifies a crash based on the last known metrics
// (§4.J "Crash context").
type LikelyCause string

const (
	CauseOOM         LikelyCause = "oom"
	CauseMemoryLeak  LikelyCause = "memory_leak"
	CauseSuddenSpike LikelyCause = "sudden_spike"
	CauseUnknown     LikelyCause = "unknown"
)

// CrashContext is the record returned for operator review after an
// agent process disappears.
type CrashContext struct {
	Agent         string
	LastSnapshot  Snapshot
	HighWatermark uint64
	LowWatermark  uint64
	Trend         Trend
	RatePerMinute float64
	LikelyCause   LikelyCause
	RecentHistory []Snapshot
}

type agentState struct {
	pid       int
	startedAt time.Time
	lastRaw   rawSample
	lastRawAt time.Time
	hasRaw    bool
	history   []Snapshot
	high      uint64
	low       uint64
	trend     Trend
	rate      float64
	level     AlertLevel
	lastAlert time.Time
	gone      bool
}

// Monitor samples every registered agent process on an interval and
// drives the alert state machine (§4.J).
type Monitor struct {
	mu     sync.RWMutex
	agents map[string]*agentState

	cfg     config.MemoryConfig
	emitter *hooks.Emitter
	log     *logging.Logger
	sampler processSampler

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Monitor. It does not start sampling until Start is
// called.
func New(cfg config.MemoryConfig, emitter *hooks.Emitter, log *logging.Logger) *Monitor {
	return &Monitor{
		agents:  make(map[string]*agentState),
		cfg:     cfg,
		emitter: emitter,
		log:     log,
		sampler: procfsSampler{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Register starts tracking agent's process pid. Re-registering an
// already-tracked agent resets its history (the spec leaves PID-reuse
// detection to the implementer per §9 Open Questions; this
// implementation resets on re-register rather than silently mixing
// two processes' samples under one identity).
func (m *Monitor) Register(agent string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent] = &agentState{
		pid:       pid,
		startedAt: time.Now(),
		level:     AlertNormal,
		trend:     TrendUnknown,
	}
}

// Unregister marks agent's process gone while preserving its final
// metrics for crash-context review, per §4.J ("a process that
// disappears triggers unregister with its final metrics preserved for
// crash context until cleared").
func (m *Monitor) Unregister(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.agents[agent]; ok {
		st.gone = true
	}
}

// Clear removes an agent's metrics entirely.
func (m *Monitor) Clear(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agent)
}

// Start begins the periodic sampler on its own goroutine and returns
// immediately. Call Stop to halt it.
func (m *Monitor) Start(ctx context.Context) {
	interval := config.Ms(m.cfg.SampleIntervalMs)
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sampleAll()
			}
		}
	}()
}

// Stop halts the sampler and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) registeredAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.agents))
	for agent, st := range m.agents {
		if !st.gone {
			out = append(out, agent)
		}
	}
	return out
}

func (m *Monitor) sampleAll() {
	for _, agent := range m.registeredAgents() {
		m.sampleOne(agent)
	}
}

func (m *Monitor) sampleOne(agent string) {
	m.mu.Lock()
	st, ok := m.agents[agent]
	if !ok || st.gone {
		m.mu.Unlock()
		return
	}
	pid := st.pid
	m.mu.Unlock()

	if !m.sampler.Alive(pid) {
		// Sampling failures are silently absorbed (§4.J); a process
		// gone mid-sample transitions to unregistered.
		m.Unregister(agent)
		return
	}

	raw, err := m.sampler.Sample(pid)
	if err != nil {
		return
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok = m.agents[agent]
	if !ok || st.gone {
		return
	}

	var cpu float64
	if st.hasRaw {
		cpu = cpuPercent(st.lastRaw, raw, now.Sub(st.lastRawAt))
	}
	st.lastRaw = raw
	st.lastRawAt = now
	st.hasRaw = true

	snap := Snapshot{
		TimestampMs:   now.UnixMilli(),
		ResidentBytes: raw.residentBytes,
		HeapUsed:      raw.heapUsed,
		HeapTotal:     raw.heapTotal,
		ExternalBytes: raw.externalBytes,
		CPUPercent:    cpu,
	}

	st.history = append(st.history, snap)
	m.trimHistory(st)
	m.updateWatermarks(st, snap)
	m.updateTrend(st)
	m.evaluateAlerts(agent, st, snap)
}

func (m *Monitor) trimHistory(st *agentState) {
	if m.cfg.RetentionSamples > 0 && len(st.history) > m.cfg.RetentionSamples {
		st.history = st.history[len(st.history)-m.cfg.RetentionSamples:]
	}
	if m.cfg.RetentionMinutes > 0 {
		cutoff := time.Now().Add(-time.Duration(m.cfg.RetentionMinutes) * time.Minute).UnixMilli()
		i := 0
		for i < len(st.history) && st.history[i].TimestampMs < cutoff {
			i++
		}
		st.history = st.history[i:]
	}
}

func (m *Monitor) updateWatermarks(st *agentState, snap Snapshot) {
	if snap.ResidentBytes > st.high {
		st.high = snap.ResidentBytes
	}
	if st.low == 0 || snap.ResidentBytes < st.low {
		st.low = snap.ResidentBytes
	}
}

func averageRSS(history []Snapshot) uint64 {
	if len(history) == 0 {
		return 0
	}
	var sum uint64
	for _, s := range history {
		sum += s.ResidentBytes
	}
	return sum / uint64(len(history))
}

// updateTrend computes the growth rate over the most recent 6 samples
// (§4.J "computed when >= 6 samples exist, using the rate over the most
// recent 6 samples").
func (m *Monitor) updateTrend(st *agentState) {
	n := len(st.history)
	if n < 6 {
		st.trend = TrendUnknown
		st.rate = 0
		return
	}
	window := st.history[n-6:]
	first, last := window[0], window[len(window)-1]
	minutes := (time.Duration(last.TimestampMs-first.TimestampMs) * time.Millisecond).Minutes()
	if minutes <= 0 {
		st.trend = TrendUnknown
		st.rate = 0
		return
	}
	deltaMiB := (float64(last.ResidentBytes) - float64(first.ResidentBytes)) / (1 << 20)
	rate := deltaMiB / minutes
	st.rate = rate
	switch {
	case rate > 1:
		st.trend = TrendGrowing
	case rate < -1:
		st.trend = TrendShrinking
	default:
		st.trend = TrendStable
	}
}

// Alert is the event payload emitted on hooks.EventMemoryAlert.
type Alert struct {
	Agent string     `json:"agent"`
	Kind  string     `json:"kind"`
	Level AlertLevel `json:"level"`
	RSS   uint64     `json:"rss"`
	Rate  float64    `json:"ratePerMinute,omitempty"`
}

func (m *Monitor) evaluateAlerts(agent string, st *agentState, snap Snapshot) {
	warning := uint64(m.cfg.WarningMB) << 20
	critical := uint64(m.cfg.CriticalMB) << 20
	oom := uint64(m.cfg.OOMImminentMB) << 20

	var level AlertLevel
	switch {
	case snap.ResidentBytes >= oom:
		level = AlertOOMImminent
	case snap.ResidentBytes >= critical:
		level = AlertCritical
	case snap.ResidentBytes >= warning:
		level = AlertWarning
	default:
		level = AlertNormal
	}

	cooldown := config.Ms(m.cfg.AlertCooldownMs)
	withinCooldown := time.Since(st.lastAlert) < cooldown

	if level != st.level {
		prevWasNormal := st.level == AlertNormal
		st.level = level
		if !withinCooldown {
			st.lastAlert = time.Now()
			if level == AlertNormal && !prevWasNormal {
				m.fire(agent, "recovered", level, snap)
			} else if level != AlertNormal {
				m.fire(agent, string(level), level, snap)
			}
		}
	}

	if st.trend == TrendGrowing && st.rate > m.cfg.TrendGrowthWarnMBMin && !withinCooldown {
		st.lastAlert = time.Now()
		m.fire(agent, "trend_warning", st.level, snap)
	}
}

func (m *Monitor) fire(agent, kind string, level AlertLevel, snap Snapshot) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(hooks.EventMemoryAlert, Alert{
		Agent: agent,
		Kind:  kind,
		Level: level,
		RSS:   snap.ResidentBytes,
	})
	if m.log != nil {
		m.log.Warn("memmon: %s for %s at %s RSS", kind, agent, humanize.Bytes(snap.ResidentBytes))
	}
}

// Get returns a snapshot-consistent copy of agent's current Metrics.
func (m *Monitor) Get(agent string) (Metrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.agents[agent]
	if !ok {
		return Metrics{}, false
	}
	return toMetrics(agent, st), true
}

func toMetrics(agent string, st *agentState) Metrics {
	history := make([]Snapshot, len(st.history))
	copy(history, st.history)
	return Metrics{
		Agent:         agent,
		PID:           st.pid,
		StartedAt:     st.startedAt,
		History:       history,
		HighWatermark: st.high,
		LowWatermark:  st.low,
		AverageRSS:    averageRSS(st.history),
		Trend:         st.trend,
		RatePerMinute: st.rate,
		AlertLevel:    st.level,
		LastAlertTime: st.lastAlert,
		Unregistered:  st.gone,
	}
}

// Summary returns every tracked agent's Metrics, sorted by name, for
// the admin `memory_summary` operation (§4.K).
func (m *Monitor) Summary() []Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Metrics, 0, len(m.agents))
	for agent, st := range m.agents {
		out = append(out, toMetrics(agent, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// CrashContext reconstructs the operator-facing record for agent
// (§4.J "Crash context").
func (m *Monitor) CrashContext(agent string) (CrashContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.agents[agent]
	if !ok || len(st.history) == 0 {
		return CrashContext{}, false
	}

	last := st.history[len(st.history)-1]
	oom := uint64(m.cfg.OOMImminentMB) << 20
	cause := CauseUnknown
	switch {
	case last.ResidentBytes >= oom:
		cause = CauseOOM
	case st.trend == TrendGrowing && st.rate > m.cfg.TrendGrowthWarnMBMin:
		cause = CauseMemoryLeak
	case len(st.history) >= 2:
		prev := st.history[len(st.history)-2]
		if int64(last.ResidentBytes)-int64(prev.ResidentBytes) > 100<<20 {
			cause = CauseSuddenSpike
		}
	}

	recentN := 20
	if recentN > len(st.history) {
		recentN = len(st.history)
	}
	recent := make([]Snapshot, recentN)
	copy(recent, st.history[len(st.history)-recentN:])

	return CrashContext{
		Agent:         agent,
		LastSnapshot:  last,
		HighWatermark: st.high,
		LowWatermark:  st.low,
		Trend:         st.trend,
		RatePerMinute: st.rate,
		LikelyCause:   cause,
		RecentHistory: recent,
	}, true
}
