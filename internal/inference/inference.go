// Package inference implements the process-wide detector+captioner
// session from spec §4.6: two model slots behind a single mutex so no
// two inference calls are ever in flight concurrently, a one-time
// warm-up pass, and a Degraded state that refuses new work after a
// session-level fault. Structure (isRunning flag, RWMutex-guarded
// stats, zap-scoped logger, ProcessFrame-shaped calls) is adapted from
// DimaJoyti/go-coffee's internal/object-detection/infrastructure/detection.InferenceEngine,
// generalized from a single detector call to the detect+caption pair
// with a shared serialization mutex and a Degraded/EngineUnavailable
// failure contract neither it nor the pack otherwise models.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QusaiiSaleem/visionops/internal/domain"
	"github.com/QusaiiSaleem/visionops/internal/errs"
)

// DefaultBatchSize is B from spec §4.6.
const DefaultBatchSize = 8

// DefaultDetectConfidence is τ_d.
const DefaultDetectConfidence = 0.4

// DefaultNMSThreshold is τ_nms.
const DefaultNMSThreshold = 0.45

// DefaultCaptionBudget is the soft per-caption latency budget from spec
// §4.6; exceeding it returns a truncated caption with CaptionTruncated=true
// rather than an error.
const DefaultCaptionBudget = 1200 * time.Millisecond

// DefaultHardTimeout is the hard abort budget from spec §4.6: a
// detect or caption call that has not returned within this long is
// abandoned and the engine is faulted into Degraded, regardless of
// whether the backend itself honors context cancellation.
const DefaultHardTimeout = 5 * time.Second

// ErrEngineUnavailable is returned by Detect/Caption once the engine
// has faulted into Degraded.
var ErrEngineUnavailable = errors.New("inference: engine unavailable (degraded)")

// RawBox is a detector backend's raw output for one candidate box,
// pre-NMS, in the model's native 640x480 input space.
type RawBox struct {
	Class      string
	Confidence float64
	X, Y, W, H int
}

// DetectorBackend performs the raw forward pass. Pre/post-processing
// (letterbox, threshold, NMS, zone assignment) lives in Engine so
// every backend gets it for free.
type DetectorBackend interface {
	// Forward runs the detector on a batch of preprocessed 640x480x3
	// frames and returns one slice of candidate boxes per frame,
	// preserving input order.
	Forward(ctx context.Context, batch []domain.Frame) ([][]RawBox, error)
	// WarmUp is called once at startup with a dummy frame.
	WarmUp(ctx context.Context) error
}

// CaptionerBackend performs the raw greedy-decode forward pass.
type CaptionerBackend interface {
	// Forward returns caption text and whether decoding hit the max
	// token budget before a natural stop.
	Forward(ctx context.Context, frame domain.Frame) (text string, truncated bool, err error)
	WarmUp(ctx context.Context) error
}

// Config configures an Engine.
type Config struct {
	Detector  DetectorBackend
	Captioner CaptionerBackend

	BatchSize        int
	DetectConfidence float64
	NMSThreshold     float64
	CaptionBudget    time.Duration
	HardTimeout      time.Duration

	Zones []domain.Zone

	Logger *zap.Logger
}

type state int

const (
	stateCold state = iota
	stateReady
	stateDegraded
)

// Engine is the process-wide singleton inference session.
type Engine struct {
	mu sync.Mutex // serializes every detect/caption call, by contract

	stateMu sync.RWMutex
	st      state

	detector  DetectorBackend
	captioner CaptionerBackend

	batchSize        int
	detectConfidence float64
	nmsThreshold     float64
	captionBudget    time.Duration
	hardTimeout      time.Duration
	zones            []domain.Zone

	logger *zap.Logger

	statsMu sync.Mutex
	stats   Stats
}

// Stats is cumulative engine telemetry.
type Stats struct {
	DetectCalls      int64
	CaptionCalls     int64
	CaptionTimeouts  int64
	Faults           int64
	LastDetectLatency time.Duration
	LastCaptionLatency time.Duration
}

// New builds an Engine in the Cold state; call WarmUp before serving
// real requests.
func New(cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DetectConfidence <= 0 {
		cfg.DetectConfidence = DefaultDetectConfidence
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = DefaultNMSThreshold
	}
	if cfg.CaptionBudget <= 0 {
		cfg.CaptionBudget = DefaultCaptionBudget
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = DefaultHardTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		detector:         cfg.Detector,
		captioner:        cfg.Captioner,
		batchSize:        cfg.BatchSize,
		detectConfidence: cfg.DetectConfidence,
		nmsThreshold:     cfg.NMSThreshold,
		captionBudget:    cfg.CaptionBudget,
		hardTimeout:      cfg.HardTimeout,
		zones:            cfg.Zones,
		logger:           cfg.Logger.Named("inference"),
		st:               stateCold,
	}
}

// SetBatchSize lets the governor halve the detect batch size under
// Hot throttling (spec §4.4).
func (e *Engine) SetBatchSize(n int) {
	if n <= 0 {
		n = 1
	}
	e.statsMu.Lock()
	e.batchSize = n
	e.statsMu.Unlock()
}

// WarmUp runs one dummy detect and one dummy caption so first real
// calls land within latency targets (spec §4.6).
func (e *Engine) WarmUp(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dummy := domain.Frame{
		CameraID:   "__warmup__",
		Width:      640,
		Height:     480,
		CapturedAt: time.Now(),
		Buf:        make([]byte, 640*480*3),
	}

	if err := e.detector.WarmUp(ctx); err != nil {
		e.faultLocked(err)
		return err
	}
	if _, err := e.detector.Forward(ctx, []domain.Frame{dummy}); err != nil {
		e.faultLocked(err)
		return err
	}
	if err := e.captioner.WarmUp(ctx); err != nil {
		e.faultLocked(err)
		return err
	}
	if _, _, err := e.captioner.Forward(ctx, dummy); err != nil {
		e.faultLocked(err)
		return err
	}

	e.stateMu.Lock()
	e.st = stateReady
	e.stateMu.Unlock()
	e.logger.Info("warm-up complete")
	return nil
}

func (e *Engine) ready() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.st == stateReady
}

// faultLocked transitions to Degraded. Caller must hold e.mu.
func (e *Engine) faultLocked(err error) {
	e.stateMu.Lock()
	e.st = stateDegraded
	e.stateMu.Unlock()

	e.statsMu.Lock()
	e.stats.Faults++
	e.statsMu.Unlock()

	e.logger.Error("session-level fault, engine degraded", zap.Error(err))
}

// Degraded reports whether the engine has faulted and refuses calls.
func (e *Engine) Degraded() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.st == stateDegraded
}

// Detect runs object detection over a batch of at most BatchSize
// frames, returning one DetectionSet per input frame in order. A call
// that has not returned within the engine's hard timeout is abandoned
// and the engine faults into Degraded (spec §4.6).
func (e *Engine) Detect(ctx context.Context, batch []domain.Frame) ([]domain.DetectionSet, error) {
	if !e.ready() {
		if e.Degraded() {
			return nil, ErrEngineUnavailable
		}
		return nil, errs.Fatal
	}
	if len(batch) > e.currentBatchSize() {
		batch = batch[:e.currentBatchSize()]
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	hardCtx, cancel := context.WithTimeout(ctx, e.hardTimeout)
	defer cancel()

	start := time.Now()

	type result struct {
		raw [][]RawBox
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := e.detector.Forward(hardCtx, batch)
		done <- result{raw: raw, err: err}
	}()

	var raw [][]RawBox
	select {
	case r := <-done:
		if r.err != nil {
			e.faultLocked(r.err)
			return nil, ErrEngineUnavailable
		}
		raw = r.raw
	case <-hardCtx.Done():
		e.faultLocked(fmt.Errorf("detect call exceeded hard timeout of %s", e.hardTimeout))
		return nil, ErrEngineUnavailable
	}

	out := make([]domain.DetectionSet, len(batch))
	for i, frame := range batch {
		boxes := nonMaxSuppress(thresholdFilter(raw[i], e.detectConfidence), e.nmsThreshold)
		dets := make([]domain.Detection, 0, len(boxes))
		for _, b := range boxes {
			dets = append(dets, domain.Detection{
				CameraID:       frame.CameraID,
				Class:          b.Class,
				Confidence:     b.Confidence,
				X:              b.X,
				Y:              b.Y,
				W:              b.W,
				H:              b.H,
				Zone:           zoneFor(b, e.zones),
				CapturedAt:     frame.CapturedAt,
				ProcessLatency: time.Since(start),
			})
		}
		out[i] = domain.DetectionSet{
			CameraID:   frame.CameraID,
			Seq:        frame.Seq,
			CapturedAt: frame.CapturedAt,
			Detections: dets,
			Latency:    time.Since(start),
		}
	}

	e.statsMu.Lock()
	e.stats.DetectCalls++
	e.stats.LastDetectLatency = time.Since(start)
	e.statsMu.Unlock()

	return out, nil
}

// Caption produces a short caption plus class counts for one frame.
// Exceeding the soft 1200ms budget truncates the caption without
// faulting the engine; exceeding the hard timeout abandons the call
// and faults the engine into Degraded (spec §4.6).
func (e *Engine) Caption(ctx context.Context, frame domain.Frame, classCounts map[string]int) (domain.KeyFrame, error) {
	if !e.ready() {
		if e.Degraded() {
			return domain.KeyFrame{}, ErrEngineUnavailable
		}
		return domain.KeyFrame{}, errs.Fatal
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	hardCtx, hardCancel := context.WithTimeout(ctx, e.hardTimeout)
	defer hardCancel()
	budgetCtx, budgetCancel := context.WithTimeout(hardCtx, e.captionBudget)
	defer budgetCancel()

	type result struct {
		text      string
		truncated bool
		err       error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		text, truncated, err := e.captioner.Forward(budgetCtx, frame)
		done <- result{text: text, truncated: truncated, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-hardCtx.Done():
		e.statsMu.Lock()
		e.stats.CaptionTimeouts++
		e.statsMu.Unlock()
		e.faultLocked(fmt.Errorf("caption call exceeded hard timeout of %s", e.hardTimeout))
		return domain.KeyFrame{}, ErrEngineUnavailable
	}
	elapsed := time.Since(start)

	if errors.Is(res.err, context.DeadlineExceeded) {
		e.statsMu.Lock()
		e.stats.CaptionTimeouts++
		e.statsMu.Unlock()
		return domain.KeyFrame{
			CameraID:         frame.CameraID,
			Timestamp:        frame.CapturedAt,
			Caption:          res.text,
			CaptionTruncated: true,
			ClassCounts:      classCounts,
			Seq:              frame.Seq,
		}, nil
	}
	if res.err != nil {
		e.faultLocked(res.err)
		return domain.KeyFrame{}, ErrEngineUnavailable
	}

	e.statsMu.Lock()
	e.stats.CaptionCalls++
	e.stats.LastCaptionLatency = elapsed
	if res.truncated {
		e.stats.CaptionTimeouts++
	}
	e.statsMu.Unlock()

	image, encErr := encodeKeyFrameImage(frame)
	if encErr != nil {
		e.logger.Warn("keyframe image encode failed, shipping caption only", zap.Error(encErr))
	}

	return domain.KeyFrame{
		CameraID:         frame.CameraID,
		Timestamp:        frame.CapturedAt,
		Image:            image,
		Caption:          res.text,
		CaptionTruncated: res.truncated,
		ClassCounts:      classCounts,
		Seq:              frame.Seq,
	}, nil
}

func (e *Engine) currentBatchSize() int {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.batchSize
}

// Snapshot returns the current cumulative stats.
func (e *Engine) Snapshot() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func thresholdFilter(boxes []RawBox, conf float64) []RawBox {
	out := make([]RawBox, 0, len(boxes))
	for _, b := range boxes {
		if b.Confidence >= conf {
			out = append(out, b)
		}
	}
	return out
}

// nonMaxSuppress greedily keeps the highest-confidence box in each
// overlapping cluster and discards the rest, per class.
func nonMaxSuppress(boxes []RawBox, iouThreshold float64) []RawBox {
	byClass := map[string][]RawBox{}
	for _, b := range boxes {
		byClass[b.Class] = append(byClass[b.Class], b)
	}

	var kept []RawBox
	for _, cls := range byClass {
		sorted := append([]RawBox{}, cls...)
		for i := 0; i < len(sorted); i++ {
			for j := i + 1; j < len(sorted); j++ {
				if sorted[j].Confidence > sorted[i].Confidence {
					sorted[i], sorted[j] = sorted[j], sorted[i]
				}
			}
		}

		suppressed := make([]bool, len(sorted))
		for i := range sorted {
			if suppressed[i] {
				continue
			}
			kept = append(kept, sorted[i])
			for j := i + 1; j < len(sorted); j++ {
				if !suppressed[j] && iou(sorted[i], sorted[j]) > iouThreshold {
					suppressed[j] = true
				}
			}
		}
	}
	return kept
}

func iou(a, b RawBox) float64 {
	ax2, ay2 := a.X+a.W, a.Y+a.H
	bx2, by2 := b.X+b.W, b.Y+b.H

	ix1, iy1 := max(a.X, b.X), max(a.Y, b.Y)
	ix2, iy2 := min(ax2, bx2), min(ay2, by2)

	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := float64(iw * ih)
	union := float64(a.W*a.H+b.W*b.H) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func zoneFor(b RawBox, zones []domain.Zone) string {
	cx, cy := b.X+b.W/2, b.Y+b.H/2
	for _, z := range zones {
		if pointInPolygon(domain.Point{X: cx, Y: cy}, z.Polygon) {
			return z.Label
		}
	}
	return ""
}

// pointInPolygon is the standard ray-casting test.
func pointInPolygon(p domain.Point, poly []domain.Point) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		pi, pj := poly[i], poly[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) &&
			p.X < (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
	}
	return inside
}
