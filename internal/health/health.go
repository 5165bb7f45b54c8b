// Package health assembles the single operator-facing snapshot from
// spec §6: uptime, per-camera stream state and drop rate, memory and
// its growth rate, CPU temperature, governor level, inference
// throughput and latency, queue depth by status, replication
// freshness and the last N errors. It also exposes the same numbers
// as Prometheus gauges/vecs, the promauto style shown in
// asicamera2/internal/driver/jpeg/pool.go, on a private registry so
// multiple Collectors (one per test) never collide on the default
// one.
package health

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/QusaiiSaleem/visionops/internal/aggregator"
	"github.com/QusaiiSaleem/visionops/internal/capture"
	"github.com/QusaiiSaleem/visionops/internal/domain"
	"github.com/QusaiiSaleem/visionops/internal/inference"
	"github.com/QusaiiSaleem/visionops/internal/ringbuffer"
)

// DefaultMaxErrors bounds the recent-errors ring (spec §6: "last N
// errors with timestamps").
const DefaultMaxErrors = 50

// DefaultLatencyWindow bounds how many polled latency samples feed
// the p50/p95 estimate.
const DefaultLatencyWindow = 128

// CameraStats is the subset of *capture.Worker health needs.
type CameraStats interface {
	Stats() capture.Stats
}

// RingStats is the subset of *ringbuffer.RingBuffer health needs.
type RingStats interface {
	Stats() ringbuffer.Stats
}

// CameraSource pairs a capture worker with the ring buffer it feeds,
// since drop rate lives on the ring, not the worker.
type CameraSource struct {
	Worker CameraStats
	Ring   RingStats
}

// GovernorStatus is the subset of *governor.Governor health needs.
type GovernorStatus interface {
	Level() domain.ThrottleLevel
	LastState() domain.GovernorState
}

// EngineStats is the subset of *inference.Engine health needs.
type EngineStats interface {
	Snapshot() inference.Stats
}

// AggregatorStats is the subset of *aggregator.Aggregator health needs.
type AggregatorStats interface {
	Snapshot() aggregator.Stats
}

// StoreDepths is the subset of *store.Store health needs.
type StoreDepths interface {
	QueueDepths(ctx context.Context) (map[domain.QueueStatus]int64, error)
}

// ReplicatorStatus is the subset of *replicator.Replicator health needs.
type ReplicatorStatus interface {
	LastSuccess() time.Time
}

// ErrorRecord is one entry in the recent-errors ring.
type ErrorRecord struct {
	At      time.Time
	Message string
}

// CameraSnapshot is one camera's row in the health snapshot.
type CameraSnapshot struct {
	ID           string
	State        string
	DropRate     float64
	LastFrameAge time.Duration
	RestartCount int
}

// Snapshot is the full operator-facing health record from spec §6.
type Snapshot struct {
	CollectedAt time.Time
	Uptime      time.Duration

	Cameras []CameraSnapshot

	MemoryMB        float64
	MemoryGrowthMBH float64

	CPUTempC         float64
	CPUTempAvailable bool

	GovernorLevel domain.ThrottleLevel

	InferenceCallsPerMin float64
	InferenceP50Latency  time.Duration
	InferenceP95Latency  time.Duration

	QueueDepths map[domain.QueueStatus]int64

	LastReplicationSuccess time.Time

	RecentErrors []ErrorRecord
}

// Config configures a Collector. All component sources are optional;
// a nil source leaves its Snapshot fields at their zero value instead
// of failing the whole collection pass, since health must stay
// available even while a subsystem is still warming up.
type Config struct {
	Cameras          map[string]CameraSource
	Governor         GovernorStatus
	Engine           EngineStats
	Aggregator       AggregatorStats
	Store            StoreDepths
	Replicator       ReplicatorStatus
	MaxErrors        int
	LatencyWindow    int
	Logger           *zap.Logger
}

// Collector gathers a Snapshot on demand and mirrors it onto a
// private Prometheus registry.
type Collector struct {
	startedAt time.Time
	pid       int

	cameras    map[string]CameraSource
	governor   GovernorStatus
	engine     EngineStats
	aggregator AggregatorStats
	store      StoreDepths
	replicator ReplicatorStatus
	logger     *zap.Logger

	maxErrors     int
	latencyWindow int

	mu        sync.Mutex
	errs      []ErrorRecord
	latencies []time.Duration

	registry         *prometheus.Registry
	memoryGauge      prometheus.Gauge
	growthGauge      prometheus.Gauge
	tempGauge        prometheus.Gauge
	governorGauge    prometheus.Gauge
	callsPerMinGauge prometheus.Gauge
	queueDepthGauge  *prometheus.GaugeVec
	dropRateGauge    *prometheus.GaugeVec
	latencyGauge     *prometheus.GaugeVec
}

// New builds a Collector. startedAt is taken at construction time so
// Uptime and calls-per-minute are measured from process start.
func New(cfg Config) *Collector {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = DefaultLatencyWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.Cameras == nil {
		cfg.Cameras = map[string]CameraSource{}
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		startedAt:     time.Now(),
		pid:           processID(),
		cameras:       cfg.Cameras,
		governor:      cfg.Governor,
		engine:        cfg.Engine,
		aggregator:    cfg.Aggregator,
		store:         cfg.Store,
		replicator:    cfg.Replicator,
		logger:        cfg.Logger.Named("health"),
		maxErrors:     cfg.MaxErrors,
		latencyWindow: cfg.LatencyWindow,

		registry: reg,
		memoryGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visionops_memory_mb", Help: "Resident set size of the daemon process, in megabytes.",
		}),
		growthGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visionops_memory_growth_mb_per_hour", Help: "Working-set growth rate over the trailing hour.",
		}),
		tempGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visionops_cpu_temp_c", Help: "Last sampled CPU temperature, Celsius.",
		}),
		governorGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visionops_governor_level", Help: "Current throttle level (0=normal .. 3=critical).",
		}),
		callsPerMinGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visionops_inference_calls_per_min", Help: "Detect+caption calls per minute since process start.",
		}),
		queueDepthGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "visionops_queue_depth", Help: "Replication queue depth by status.",
		}, []string{"status"}),
		dropRateGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "visionops_camera_drop_rate", Help: "Frame drop rate by camera.",
		}, []string{"camera"}),
		latencyGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "visionops_inference_latency_ms", Help: "Polled inference latency percentile estimate.",
		}, []string{"quantile"}),
	}
}

// Registry exposes the private Prometheus registry so main.go can
// mount it behind promhttp.HandlerFor at Health.MetricsAddr.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// AddCamera registers a camera source for the next Collect/snapshot,
// for the IPC add_camera operation wiring a newly started capture
// worker into the health view.
func (c *Collector) AddCamera(id string, src CameraSource) {
	c.mu.Lock()
	c.cameras[id] = src
	c.mu.Unlock()
}

// RemoveCamera drops a camera source, for the IPC remove_camera
// operation.
func (c *Collector) RemoveCamera(id string) {
	c.mu.Lock()
	delete(c.cameras, id)
	c.mu.Unlock()
}

// RecordError appends a timestamped entry to the bounded
// recent-errors ring. Components call this directly rather than
// health inferring errors from their counters, since only the caller
// knows the human-readable message worth surfacing.
func (c *Collector) RecordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, ErrorRecord{At: time.Now(), Message: err.Error()})
	if len(c.errs) > c.maxErrors {
		c.errs = c.errs[len(c.errs)-c.maxErrors:]
	}
}

// Collect gathers one Snapshot and updates the Prometheus registry to
// match. Each source is optional and a nil source just leaves its
// fields zero.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		CollectedAt: time.Now(),
		Uptime:      time.Since(c.startedAt),
		QueueDepths: map[domain.QueueStatus]int64{},
	}

	c.mu.Lock()
	cameras := make(map[string]CameraSource, len(c.cameras))
	for id, src := range c.cameras {
		cameras[id] = src
	}
	c.mu.Unlock()

	for id, src := range cameras {
		cs := CameraSnapshot{ID: id}
		if src.Worker != nil {
			ws := src.Worker.Stats()
			cs.State = ws.State.String()
			cs.LastFrameAge = ws.LastFrameAge
			cs.RestartCount = ws.RestartCount
		}
		if src.Ring != nil {
			cs.DropRate = src.Ring.Stats().DropRate
		}
		snap.Cameras = append(snap.Cameras, cs)
		c.dropRateGauge.WithLabelValues(id).Set(cs.DropRate)
	}
	sort.Slice(snap.Cameras, func(i, j int) bool { return snap.Cameras[i].ID < snap.Cameras[j].ID })

	if mb, err := selfWorkingSetMB(c.pid); err == nil {
		snap.MemoryMB = mb
		c.memoryGauge.Set(mb)
	}

	if c.governor != nil {
		state := c.governor.LastState()
		snap.CPUTempC = state.CPUTempC
		snap.CPUTempAvailable = state.CPUTempAvailable
		snap.MemoryGrowthMBH = state.GrowthMBPerHour
		snap.GovernorLevel = c.governor.Level()
		c.tempGauge.Set(state.CPUTempC)
		c.growthGauge.Set(state.GrowthMBPerHour)
		c.governorGauge.Set(float64(snap.GovernorLevel))
	}

	if c.engine != nil {
		stats := c.engine.Snapshot()
		snap.InferenceCallsPerMin = c.callsPerMinute(stats)
		c.recordLatencies(stats)
		snap.InferenceP50Latency = c.percentileLocked(0.50)
		snap.InferenceP95Latency = c.percentileLocked(0.95)
		c.callsPerMinGauge.Set(snap.InferenceCallsPerMin)
		c.latencyGauge.WithLabelValues("p50").Set(float64(snap.InferenceP50Latency.Milliseconds()))
		c.latencyGauge.WithLabelValues("p95").Set(float64(snap.InferenceP95Latency.Milliseconds()))
	}

	if c.store != nil {
		depths, err := c.store.QueueDepths(ctx)
		if err != nil {
			return snap, err
		}
		snap.QueueDepths = depths
		for status, n := range depths {
			c.queueDepthGauge.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	if c.replicator != nil {
		snap.LastReplicationSuccess = c.replicator.LastSuccess()
	}

	c.mu.Lock()
	snap.RecentErrors = append([]ErrorRecord(nil), c.errs...)
	c.mu.Unlock()

	return snap, nil
}

// callsPerMinute reports the average detect+caption call rate since
// process start. It is an average over the whole uptime rather than
// an instantaneous rate, which is good enough for an operator
// snapshot and needs no extra bookkeeping between polls.
func (c *Collector) callsPerMinute(stats inference.Stats) float64 {
	elapsed := time.Since(c.startedAt).Minutes()
	if elapsed <= 0 {
		return 0
	}
	return float64(stats.DetectCalls+stats.CaptionCalls) / elapsed
}

// recordLatencies folds the engine's latest detect/caption latencies
// into a bounded rolling window polled each Collect call, used to
// estimate p50/p95 without wiring a full histogram pipeline through
// the inference engine.
func (c *Collector) recordLatencies(stats inference.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stats.LastDetectLatency > 0 {
		c.latencies = append(c.latencies, stats.LastDetectLatency)
	}
	if stats.LastCaptionLatency > 0 {
		c.latencies = append(c.latencies, stats.LastCaptionLatency)
	}
	if len(c.latencies) > c.latencyWindow {
		c.latencies = c.latencies[len(c.latencies)-c.latencyWindow:]
	}
}

func (c *Collector) percentileLocked(p float64) time.Duration {
	c.mu.Lock()
	samples := append([]time.Duration(nil), c.latencies...)
	c.mu.Unlock()
	return percentile(samples, p)
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func processID() int {
	return os.Getpid()
}

func selfWorkingSetMB(pid int) (float64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(mem.RSS) / (1024 * 1024), nil
}
