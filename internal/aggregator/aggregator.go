// Package aggregator maintains one open fixed-duration window per
// camera and flushes it to a WindowedMetric row once superseded, per
// spec §4.8. The mutex-guarded in-memory accumulation flushed on a
// boundary is the same shape as
// lkumar3-iitr-Sensor-Logger/controller.FusionController's merge
// step, adapted from a fixed-cadence ticker snapshot into an
// event-driven window keyed by detection timestamp rather than wall
// clock, since windows must align to camera timestamps, not arrival
// order.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/QusaiiSaleem/visionops/internal/domain"
)

// DefaultWindow is W from spec §4.8.
const DefaultWindow = 60 * time.Second

// DefaultGrace is G from spec §4.8.
const DefaultGrace = 60 * time.Second

// Sink persists a closed window and enqueues its replication item.
// Implemented by internal/store plus a QueueItem encoder.
type Sink interface {
	FlushWindow(ctx context.Context, m domain.WindowedMetric) error
}

type classAccum struct {
	totalCount   int
	maxPerSample int
	confSum      float64
}

type window struct {
	cameraID string
	start    time.Time
	end      time.Time

	sampleCount int
	classes     map[string]*classAccum
	zoneCounts  map[string]int
	latencies   []time.Duration

	closedAt time.Time // zero while still open
}

func newWindow(cameraID string, start, end time.Time) *window {
	return &window{
		cameraID:   cameraID,
		start:      start,
		end:        end,
		classes:    map[string]*classAccum{},
		zoneCounts: map[string]int{},
	}
}

func (w *window) merge(ds domain.DetectionSet) {
	w.sampleCount++
	w.latencies = append(w.latencies, ds.Latency)

	perSample := map[string]int{}
	for _, d := range ds.Detections {
		perSample[d.Class]++
		if d.Zone != "" {
			w.zoneCounts[d.Zone]++
		}
		acc, ok := w.classes[d.Class]
		if !ok {
			acc = &classAccum{}
			w.classes[d.Class] = acc
		}
		acc.totalCount++
		acc.confSum += d.Confidence
	}
	for cls, n := range perSample {
		if n > w.classes[cls].maxPerSample {
			w.classes[cls].maxPerSample = n
		}
	}
}

func (w *window) toMetric() domain.WindowedMetric {
	stats := make([]domain.ClassStat, 0, len(w.classes))
	for cls, acc := range w.classes {
		avgConf := 0.0
		if acc.totalCount > 0 {
			avgConf = acc.confSum / float64(acc.totalCount)
		}
		stats = append(stats, domain.ClassStat{
			Class:         cls,
			AvgCount:      float64(acc.totalCount) / float64(max(w.sampleCount, 1)),
			MaxCount:      acc.maxPerSample,
			AvgConfidence: avgConf,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Class < stats[j].Class })

	return domain.WindowedMetric{
		CameraID:    w.cameraID,
		WindowStart: w.start,
		WindowEnd:   w.end,
		ClassStats:  stats,
		ZoneCounts:  w.zoneCounts,
		SampleCount: w.sampleCount,
		Latency:     percentiles(w.latencies),
	}
}

func percentiles(ds []time.Duration) domain.LatencyPercentiles {
	if len(ds) == 0 {
		return domain.LatencyPercentiles{}
	}
	sorted := append([]time.Duration{}, ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	pick := func(pct float64) time.Duration {
		idx := int(pct * float64(len(sorted)-1))
		return sorted[idx]
	}
	return domain.LatencyPercentiles{P50: pick(0.50), P95: pick(0.95)}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Aggregator holds the open/just-closed window per camera.
type Aggregator struct {
	mu     sync.Mutex
	window time.Duration
	grace  time.Duration

	open   map[string]*window
	closed map[string]*window // most recently closed window per camera, for late reopen

	sink   Sink
	logger *zap.Logger

	detectionsIn    int64
	windowedRowsOut int64
	lateDropped     int64
}

// Config configures an Aggregator.
type Config struct {
	Window time.Duration
	Grace  time.Duration
	Sink   Sink
	Logger *zap.Logger
}

// New builds an Aggregator.
func New(cfg Config) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Aggregator{
		window: cfg.Window,
		grace:  cfg.Grace,
		open:   map[string]*window{},
		closed: map[string]*window{},
		sink:   cfg.Sink,
		logger: cfg.Logger.Named("aggregator"),
	}
}

func (a *Aggregator) windowStart(t time.Time) time.Time {
	epoch := time.Unix(0, 0)
	elapsed := t.Sub(epoch)
	aligned := elapsed - elapsed%a.window
	return epoch.Add(aligned)
}

// Submit folds one DetectionSet into its window, closing and flushing
// a superseded window as needed, per spec §4.8.
func (a *Aggregator) Submit(ctx context.Context, ds domain.DetectionSet) error {
	atomic.AddInt64(&a.detectionsIn, int64(len(ds.Detections)))

	ws := a.windowStart(ds.CapturedAt)
	we := ws.Add(a.window)

	a.mu.Lock()
	cur := a.open[ds.CameraID]

	switch {
	case cur != nil && cur.start.Equal(ws):
		cur.merge(ds)
		a.mu.Unlock()
		return nil

	case cur != nil && ws.After(cur.start):
		closedWin := cur
		a.open[ds.CameraID] = newWindow(ds.CameraID, ws, we)
		a.open[ds.CameraID].merge(ds)
		a.mu.Unlock()
		return a.closeAndFlush(ctx, closedWin)

	default:
		// ws is at or before the currently open window's start: a
		// late sample. Check whether it still targets the most
		// recently closed window within grace G.
		if closedWin, ok := a.closed[ds.CameraID]; ok && closedWin.start.Equal(ws) {
			if time.Since(closedWin.closedAt) <= a.grace {
				closedWin.merge(ds)
				a.mu.Unlock()
				return a.reflush(ctx, closedWin)
			}
		}

		if cur == nil {
			a.open[ds.CameraID] = newWindow(ds.CameraID, ws, we)
			a.open[ds.CameraID].merge(ds)
			a.mu.Unlock()
			return nil
		}

		atomic.AddInt64(&a.lateDropped, 1)
		a.mu.Unlock()
		a.logger.Warn("late sample dropped beyond grace period",
			zap.String("camera_id", ds.CameraID), zap.Time("window_start", ws))
		return nil
	}
}

func (a *Aggregator) closeAndFlush(ctx context.Context, w *window) error {
	w.closedAt = time.Now()

	a.mu.Lock()
	a.closed[w.cameraID] = w
	a.mu.Unlock()

	return a.reflush(ctx, w)
}

func (a *Aggregator) reflush(ctx context.Context, w *window) error {
	metric := w.toMetric()
	if err := a.sink.FlushWindow(ctx, metric); err != nil {
		return err
	}
	atomic.AddInt64(&a.windowedRowsOut, 1)
	return nil
}

// Flush closes every currently open window, for use at shutdown so no
// in-progress window is silently lost.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	toFlush := make([]*window, 0, len(a.open))
	for _, w := range a.open {
		toFlush = append(toFlush, w)
	}
	a.open = map[string]*window{}
	a.mu.Unlock()

	for _, w := range toFlush {
		w.closedAt = time.Now()
		if err := a.reflush(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports the running compression-ratio inputs from spec §4.8:
// compression_ratio = detections_in / windowed_rows_out, verified
// over a one-hour horizon by the caller.
type Stats struct {
	DetectionsIn    int64
	WindowedRowsOut int64
	LateDropped     int64
	CompressionRatio float64
}

// Snapshot returns current counters.
func (a *Aggregator) Snapshot() Stats {
	in := atomic.LoadInt64(&a.detectionsIn)
	out := atomic.LoadInt64(&a.windowedRowsOut)
	ratio := 0.0
	if out > 0 {
		ratio = float64(in) / float64(out)
	}
	return Stats{
		DetectionsIn:     in,
		WindowedRowsOut:  out,
		LateDropped:      atomic.LoadInt64(&a.lateDropped),
		CompressionRatio: ratio,
	}
}
