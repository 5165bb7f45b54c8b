// Package scheduler implements the single cooperative loop from spec
// §4.5: walk cameras round-robin, pop one frame per camera per tick,
// submit it to the inference engine synchronously, and pace the next
// visit with a per-camera nominal interval. Sequential dispatch keeps
// the one shared inference session uncontended and CPU headroom
// predictable, following the controller-loop shape of
// lkumar3-iitr-Sensor-Logger's fusion/controller packages, adapted
// here into a single round-robin walk instead of a fan-in select.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/QusaiiSaleem/visionops/internal/domain"
	"github.com/QusaiiSaleem/visionops/internal/ringbuffer"
)

// DefaultInterval is I from spec §4.5.
const DefaultInterval = 3 * time.Second

// DefaultKeyframeInterval is K from spec §4.5.
const DefaultKeyframeInterval = 10 * time.Second

// DefaultPopTimeout is the short per-camera pop timeout.
const DefaultPopTimeout = 200 * time.Millisecond

// DefaultStaleAge is S from spec §4.5/§4.2.
const DefaultStaleAge = 10 * time.Second

// Submitter is the synchronous inference call-site. detect is always
// invoked; caption is invoked only when wantCaption is true (the
// round-robin keyframe tie-break).
type Submitter interface {
	Submit(ctx context.Context, frame domain.Frame, wantCaption bool) error
}

// Camera is one registered source the scheduler visits in order.
type Camera struct {
	ID       string
	Ring     *ringbuffer.RingBuffer
	Enabled  bool
	Priority int // lower is dropped first when MaxActiveCameras caps the rotation
}

// IntervalFactor returns the governor's current multiplier for the
// per-camera nominal interval (1.0 Normal, 1.5 Warm, 2.0 Hot/Critical
// per spec §4.4). Critical additionally means "stop accepting new
// frames", surfaced via MaxActiveCameras returning 0.
type IntervalFactor func() float64

// MaxActiveCameras, if set, bounds how many of the registered cameras
// (lowest priority dropped first) the scheduler visits this pass.
// Returns -1 for "no limit".
type MaxActiveCameras func() int

// Scheduler is the cooperative round-robin loop.
type Scheduler struct {
	mu      sync.Mutex
	cameras []*Camera

	submitter Submitter
	interval  time.Duration
	kInterval time.Duration
	popTO     time.Duration
	staleAge  time.Duration
	logger    *zap.Logger

	intervalFactor   IntervalFactor
	maxActiveCameras MaxActiveCameras

	kfCursor      int
	lastCaptioned map[string]time.Time
	pacer         *rate.Limiter

	droppedStale int64
}

// Config configures a Scheduler.
type Config struct {
	Submitter        Submitter
	Interval         time.Duration
	KeyframeInterval time.Duration
	PopTimeout       time.Duration
	StaleAge         time.Duration
	IntervalFactor   IntervalFactor
	MaxActiveCameras MaxActiveCameras
	Logger           *zap.Logger
}

// New builds a Scheduler. Cameras are registered separately via
// Register, in the order they should be visited.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = DefaultKeyframeInterval
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultPopTimeout
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = DefaultStaleAge
	}
	if cfg.IntervalFactor == nil {
		cfg.IntervalFactor = func() float64 { return 1.0 }
	}
	if cfg.MaxActiveCameras == nil {
		cfg.MaxActiveCameras = func() int { return -1 }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		submitter:        cfg.Submitter,
		interval:         cfg.Interval,
		kInterval:        cfg.KeyframeInterval,
		popTO:            cfg.PopTimeout,
		staleAge:         cfg.StaleAge,
		intervalFactor:   cfg.IntervalFactor,
		maxActiveCameras: cfg.MaxActiveCameras,
		lastCaptioned:    map[string]time.Time{},
		pacer:            rate.NewLimiter(rate.Every(cfg.Interval), 1),
		logger:           cfg.Logger,
	}
}

// Register adds a camera to the round-robin rotation, in visitation
// order. Safe to call while Run is active; the new camera is picked up
// on the next pass.
func (s *Scheduler) Register(c *Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameras = append(s.cameras, c)
}

// Unregister drops a camera from the rotation, e.g. for the IPC
// remove_camera operation. Reports whether a camera with that id was
// found.
func (s *Scheduler) Unregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.cameras {
		if c.ID == id {
			s.cameras = append(s.cameras[:i], s.cameras[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled flips a registered camera's Enabled flag, for the IPC
// add_camera/remove_camera enable-toggle case and for the
// set_thresholds-adjacent enable/disable reconfiguration spec §5
// names. Reports whether a camera with that id was found.
func (s *Scheduler) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cameras {
		if c.ID == id {
			c.Enabled = enabled
			return true
		}
	}
	return false
}

// DroppedStale is the running count of frames dropped for exceeding
// staleAge at dispatch time.
func (s *Scheduler) DroppedStale() int64 {
	return atomic.LoadInt64(&s.droppedStale)
}

// activeCameras returns the enabled cameras to visit this pass. When
// MaxActiveCameras returns a cap below the enabled count, the
// highest-Priority cameras are kept and the lowest-priority ones are
// dropped first.
func (s *Scheduler) activeCameras() []*Camera {
	s.mu.Lock()
	enabled := make([]*Camera, 0, len(s.cameras))
	for _, c := range s.cameras {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	s.mu.Unlock()

	max := s.maxActiveCameras()
	if max < 0 || max >= len(enabled) {
		return enabled
	}

	sorted := append([]*Camera{}, enabled...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return sorted[:max]
}

// Run walks cameras round-robin until ctx is cancelled, then drains
// no further work and returns (in-flight Submit calls are synchronous
// so there is nothing left running by the time the loop body exits).
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopping")
			return
		default:
		}

		cameras := s.activeCameras()
		if len(cameras) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
			continue
		}

		factor := s.intervalFactor()
		perCameraBudget := time.Duration(float64(s.interval) * factor / float64(len(cameras)))
		// Governor factor reshapes the pacing rate every pass (e.g.
		// Warm ×1.5, Hot ×2 per spec §4.4) rather than at construction
		// time, since the limiter must react to live throttle changes.
		s.pacer.SetLimit(rate.Every(perCameraBudget))

		for i, cam := range cameras {
			select {
			case <-ctx.Done():
				return
			default:
			}

			frame, ok := cam.Ring.Pop(s.popTO)
			if !ok {
				continue
			}

			if frame.Age(time.Now()) > s.staleAge {
				atomic.AddInt64(&s.droppedStale, 1)
				s.logger.Warn("dropped stale frame at dispatch", zap.String("camera_id", cam.ID))
				continue
			}

			wantCaption := s.wantsCaption(cam, i, len(cameras))

			if err := s.submitter.Submit(ctx, frame, wantCaption); err != nil {
				s.logger.Error("inference submit failed", zap.String("camera_id", cam.ID), zap.Error(err))
			}

			if err := s.pacer.Wait(ctx); err != nil {
				return
			}
		}
	}
}

// wantsCaption implements the keyframe tie-break from spec §4.5: at
// most one keyframe per camera per interval K, with the candidate
// camera for this pass chosen modulo a round-robin cursor so keyframe
// work spreads uniformly rather than piling onto camera 0.
func (s *Scheduler) wantsCaption(cam *Camera, idx, total int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := s.kfCursor % total
	s.kfCursor++
	if idx != cursor {
		return false
	}

	if last, ok := s.lastCaptioned[cam.ID]; ok && time.Since(last) < s.kInterval {
		return false
	}
	s.lastCaptioned[cam.ID] = time.Now()
	return true
}
