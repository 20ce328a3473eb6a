package memmon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khaliqgant/agent-relay-sub006/internal/config"
	"github.com/khaliqgant/agent-relay-sub006/internal/hooks"
)

func testCfg() config.MemoryConfig {
	return config.MemoryConfig{
		SampleIntervalMs:     10,
		RetentionSamples:     10,
		RetentionMinutes:     60,
		WarningMB:            10,
		CriticalMB:           20,
		OOMImminentMB:        30,
		TrendGrowthWarnMBMin: 1,
		AlertCooldownMs:      0,
	}
}

func feedSample(m *Monitor, agent string, rss uint64, at time.Time) {
	m.mu.Lock()
	st := m.agents[agent]
	snap := Snapshot{TimestampMs: at.UnixMilli(), ResidentBytes: rss}
	st.history = append(st.history, snap)
	m.trimHistory(st)
	m.updateWatermarks(st, snap)
	m.updateTrend(st)
	m.evaluateAlerts(agent, st, snap)
	m.mu.Unlock()
}

func TestRegisterAndGet(t *testing.T) {
	m := New(testCfg(), nil, nil)
	m.Register("agent-a", 1234)

	metrics, ok := m.Get("agent-a")
	require.True(t, ok)
	require.Equal(t, 1234, metrics.PID)
	require.Equal(t, TrendUnknown, metrics.Trend)
}

func TestWatermarksTrackHighAndLow(t *testing.T) {
	m := New(testCfg(), nil, nil)
	m.Register("agent-a", 1)

	base := time.UnixMilli(1_000_000)
	feedSample(m, "agent-a", 5<<20, base)
	feedSample(m, "agent-a", 15<<20, base.Add(time.Minute))
	feedSample(m, "agent-a", 3<<20, base.Add(2*time.Minute))

	metrics, ok := m.Get("agent-a")
	require.True(t, ok)
	require.EqualValues(t, 15<<20, metrics.HighWatermark)
	require.EqualValues(t, 3<<20, metrics.LowWatermark)
}

func TestTrendRequiresSixSamples(t *testing.T) {
	m := New(testCfg(), nil, nil)
	m.Register("agent-a", 1)
	base := time.UnixMilli(1_000_000)

	for i := 0; i < 5; i++ {
		feedSample(m, "agent-a", uint64(i)<<20, base.Add(time.Duration(i)*time.Minute))
	}
	metrics, _ := m.Get("agent-a")
	require.Equal(t, TrendUnknown, metrics.Trend)

	feedSample(m, "agent-a", 10<<20, base.Add(5*time.Minute))
	metrics, _ = m.Get("agent-a")
	require.Equal(t, TrendGrowing, metrics.Trend)
}

func TestAlertEscalatesAcrossThresholds(t *testing.T) {
	var fired []hooks.EventName
	emitter := hooks.New(nil)
	emitter.On(hooks.EventMemoryAlert, func(payload interface{}) hooks.Result {
		fired = append(fired, hooks.EventMemoryAlert)
		return hooks.Result{}
	})

	m := New(testCfg(), emitter, nil)
	m.Register("agent-a", 1)
	base := time.UnixMilli(1_000_000)

	feedSample(m, "agent-a", 5<<20, base) // below warning
	metrics, _ := m.Get("agent-a")
	require.Equal(t, AlertNormal, metrics.AlertLevel)

	feedSample(m, "agent-a", 25<<20, base.Add(time.Minute)) // above critical
	metrics, _ = m.Get("agent-a")
	require.Equal(t, AlertCritical, metrics.AlertLevel)
	require.NotEmpty(t, fired)
}

func TestUnregisterPreservesFinalMetrics(t *testing.T) {
	m := New(testCfg(), nil, nil)
	m.Register("agent-a", 1)
	feedSample(m, "agent-a", 5<<20, time.UnixMilli(1_000_000))

	m.Unregister("agent-a")

	metrics, ok := m.Get("agent-a")
	require.True(t, ok)
	require.True(t, metrics.Unregistered)
	require.Len(t, m.registeredAgents(), 0)
}

func TestClearRemovesMetrics(t *testing.T) {
	m := New(testCfg(), nil, nil)
	m.Register("agent-a", 1)
	m.Clear("agent-a")

	_, ok := m.Get("agent-a")
	require.False(t, ok)
}

func TestCrashContextClassifiesSuddenSpike(t *testing.T) {
	cfg := testCfg()
	cfg.WarningMB = 1000
	cfg.CriticalMB = 2000
	cfg.OOMImminentMB = 3000
	m := New(cfg, nil, nil)
	m.Register("agent-a", 1)
	base := time.UnixMilli(1_000_000)
	feedSample(m, "agent-a", 5<<20, base)
	feedSample(m, "agent-a", 200<<20, base.Add(time.Second))

	ctx, ok := m.CrashContext("agent-a")
	require.True(t, ok)
	require.Equal(t, CauseSuddenSpike, ctx.LikelyCause)
}

func TestSummarySortedByAgent(t *testing.T) {
	m := New(testCfg(), nil, nil)
	m.Register("zebra", 1)
	m.Register("apple", 2)

	summary := m.Summary()
	require.Len(t, summary, 2)
	require.Equal(t, "apple", summary[0].Agent)
	require.Equal(t, "zebra", summary[1].Agent)
}
