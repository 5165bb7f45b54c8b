// Package governor implements the thermal & memory governor from
// spec §4.4: it samples CPU temperature, working set and growth rate
// every 5-10s, classifies a throttle level with hysteresis, and emits
// events consumed by the Scheduler and Lifecycle Supervisor. The
// sampler-loop shape (ticker + channel) follows
// lkumar3-iitr-Sensor-Logger's controller pattern.
package governor

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shirou/gopsutil/v3/cpu"
	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/QusaiiSaleem/visionops/internal/clock"
	"github.com/QusaiiSaleem/visionops/internal/domain"
)

// Thresholds holds the Normal/Warm/Hot/Critical boundaries from
// spec §4.4's table. All fields are the lower bound of the named
// level (i.e. CPU temp >= WarmTempC means at least Warm).
type Thresholds struct {
	WarmTempC, HotTempC, CriticalTempC          float64
	WarmMemMB, HotMemMB, CriticalMemMB          float64
	WarmGrowthMBH, HotGrowthMBH, CriticalGrowthMBH float64
}

// DefaultThresholds are the defaults from spec §4.4's table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarmTempC: 65, HotTempC: 70, CriticalTempC: 75,
		WarmMemMB: 4000, HotMemMB: 5000, CriticalMemMB: 6000,
		WarmGrowthMBH: 10, HotGrowthMBH: 25, CriticalGrowthMBH: 50,
	}
}

// Event describes a throttle-level transition or a leak suspicion.
type Event struct {
	Kind  string // "level_change" | "leak_suspected" | "critical_shutdown"
	State domain.GovernorState
}

// PoolStatsFn returns the current buffer pool accounting, used to
// detect sustained leaks (spec §4.1/§4.4).
type PoolStatsFn func() (leaked int64, ok bool)

// Governor samples and classifies system health on a single
// background task.
type Governor struct {
	mu sync.Mutex

	reader     clock.Reader
	thresholds Thresholds
	interval   time.Duration
	logger     *zap.Logger
	pid        int

	poolStats PoolStatsFn

	history []sample // working-set samples over the last hour, for growth-rate calc

	level            domain.ThrottleLevel
	lastState        domain.GovernorState
	belowCount       map[domain.ThrottleLevel]int // consecutive samples below a level's threshold
	consecutiveCrit  int

	subsMu sync.Mutex
	subs   []func(Event)
}

type sample struct {
	at time.Time
	mb float64
}

// Config configures a Governor.
type Config struct {
	Reader     clock.Reader
	Thresholds Thresholds
	Interval   time.Duration
	PoolStats  PoolStatsFn
	Logger     *zap.Logger
}

// New creates a Governor at the Normal level.
func New(cfg Config) *Governor {
	if cfg.Interval <= 0 {
		cfg.Interval = 7 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if (cfg.Thresholds == Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.PoolStats == nil {
		cfg.PoolStats = func() (int64, bool) { return 0, false }
	}
	return &Governor{
		reader:     cfg.Reader,
		thresholds: cfg.Thresholds,
		interval:   cfg.Interval,
		logger:     cfg.Logger,
		pid:        os.Getpid(),
		poolStats:  cfg.PoolStats,
		level:      domain.ThrottleNormal,
		belowCount: map[domain.ThrottleLevel]int{},
	}
}

// SetThresholds swaps the Normal/Warm/Hot/Critical boundaries the next
// sample classifies against, for the IPC set_thresholds operation
// (spec §5: "live reconfiguration is limited to ... threshold
// numerics, applied via a single atomic swap"). The swap is guarded by
// the same mutex sampleOnce already holds while reading thresholds, so
// no sample ever observes a half-updated value.
func (g *Governor) SetThresholds(t Thresholds) {
	g.mu.Lock()
	g.thresholds = t
	g.mu.Unlock()
}

// Subscribe registers fn to be called synchronously on every Event.
func (g *Governor) Subscribe(fn func(Event)) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	g.subs = append(g.subs, fn)
}

func (g *Governor) emit(e Event) {
	g.subsMu.Lock()
	subs := append([]func(Event){}, g.subs...)
	g.subsMu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// Level returns the current throttle level.
func (g *Governor) Level() domain.ThrottleLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// LastState returns the most recently sampled reading, for the health
// snapshot's CPU temperature and growth-rate fields.
func (g *Governor) LastState() domain.GovernorState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastState
}

// Run samples on the configured interval until ctx is cancelled.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sampleOnce()
		}
	}
}

func (g *Governor) sampleOnce() {
	state := domain.GovernorState{SampledAt: time.Now()}

	if g.reader != nil {
		t, ok := g.reader.ReadCPUTemperature()
		state.CPUTempC, state.CPUTempAvailable = t, ok
	} else {
		state.CPUTempC, state.CPUTempAvailable = clock.FallbackTempC, false
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		state.CPUUtilPct = pct[0]
	}

	if mb, err := selfWorkingSetMB(g.pid); err == nil {
		state.WorkingSetMB = mb
	}

	g.mu.Lock()
	g.history = append(g.history, sample{at: state.SampledAt, mb: state.WorkingSetMB})
	g.history = pruneOlderThan(g.history, state.SampledAt.Add(-time.Hour))
	state.GrowthMBPerHour = growthRate(g.history)
	newLevel := g.classifyLocked(state)
	oldLevel := g.level
	g.level = newLevel
	state.Level = newLevel
	g.lastState = state

	if newLevel == domain.ThrottleCritical {
		g.consecutiveCrit++
	} else {
		g.consecutiveCrit = 0
	}
	criticalStreak := g.consecutiveCrit
	g.mu.Unlock()

	if leaked, ok := g.poolStats(); ok && leaked > 0 {
		// Sustained-window detection lives in bufpool; the governor
		// just relays it onto its own event stream so subscribers
		// only need one feed.
		g.emit(Event{Kind: "leak_suspected", State: state})
	}

	if newLevel != oldLevel {
		g.logger.Info("throttle level changed",
			zap.String("from", oldLevel.String()), zap.String("to", newLevel.String()),
			zap.Float64("temp_c", state.CPUTempC), zap.Float64("mem_mb", state.WorkingSetMB))
		g.emit(Event{Kind: "level_change", State: state})
	}

	if criticalStreak >= 2 {
		g.logger.Error("two consecutive critical samples, emergency shutdown", zap.Any("state", state))
		g.emit(Event{Kind: "critical_shutdown", State: state})
	}
}

// classifyLocked determines the new throttle level given the latest
// sample, applying hysteresis: downgrading a level requires at least
// two consecutive samples below that level's threshold (spec §4.4).
// Must be called with g.mu held.
func (g *Governor) classifyLocked(s domain.GovernorState) domain.ThrottleLevel {
	raw := rawLevel(s, g.thresholds)

	if raw >= g.level {
		// Escalating (or staying) is immediate, no hysteresis needed.
		g.belowCount = map[domain.ThrottleLevel]int{}
		return raw
	}

	// raw < g.level: count consecutive under-threshold samples before
	// allowing the downgrade.
	g.belowCount[g.level]++
	if g.belowCount[g.level] >= 2 {
		delete(g.belowCount, g.level)
		return raw
	}
	return g.level
}

func rawLevel(s domain.GovernorState, th Thresholds) domain.ThrottleLevel {
	level := domain.ThrottleNormal
	bump := func(l domain.ThrottleLevel) {
		if l > level {
			level = l
		}
	}

	switch {
	case s.CPUTempC >= th.CriticalTempC:
		bump(domain.ThrottleCritical)
	case s.CPUTempC >= th.HotTempC:
		bump(domain.ThrottleHot)
	case s.CPUTempC >= th.WarmTempC:
		bump(domain.ThrottleWarm)
	}

	switch {
	case s.WorkingSetMB >= th.CriticalMemMB:
		bump(domain.ThrottleCritical)
	case s.WorkingSetMB >= th.HotMemMB:
		bump(domain.ThrottleHot)
	case s.WorkingSetMB >= th.WarmMemMB:
		bump(domain.ThrottleWarm)
	}

	switch {
	case s.GrowthMBPerHour >= th.CriticalGrowthMBH:
		bump(domain.ThrottleCritical)
	case s.GrowthMBPerHour >= th.HotGrowthMBH:
		bump(domain.ThrottleHot)
	case s.GrowthMBPerHour >= th.WarmGrowthMBH:
		bump(domain.ThrottleWarm)
	}

	return level
}

func pruneOlderThan(s []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

func growthRate(s []sample) float64 {
	if len(s) < 2 {
		return 0
	}
	first, last := s[0], s[len(s)-1]
	hours := last.at.Sub(first.at).Hours()
	if hours <= 0 {
		return 0
	}
	return (last.mb - first.mb) / hours
}

func selfWorkingSetMB(pid int) (float64, error) {
	proc, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(mem.RSS) / (1024 * 1024), nil
}
