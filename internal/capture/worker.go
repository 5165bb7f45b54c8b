// Package capture runs one isolated child process per camera,
// decoding RTSP via an external media-decoder binary and normalising
// frames into the shared Ring Buffer (spec §4.3). The state machine
// (Idle/Starting/Streaming/Stalled/Restarting/Failed) and the
// graceful-stop-then-kill shutdown are adapted from
// tomtom215/lyrebirdaudio-go's internal/stream.Manager; the
// exponential-backoff restart policy is adapted from
// windalfin/ayo-mwr's recording.ResilienceManager.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/QusaiiSaleem/visionops/internal/domain"
	"github.com/QusaiiSaleem/visionops/internal/errs"
	"github.com/QusaiiSaleem/visionops/internal/ringbuffer"
)

// State is one state in the capture worker's lifecycle (spec §4.3).
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStalled
	StateRestarting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStalled:
		return "stalled"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// DefaultStartupWindow is the time allowed for the first complete
	// frame after spawning the child (spec §4.3).
	DefaultStartupWindow = 10 * time.Second
	// DefaultStallTimeout is how long without a frame before the
	// worker is considered Stalled.
	DefaultStallTimeout = 30 * time.Second
	// DefaultMaxRestarts is the cumulative restart budget before the
	// worker gives up and transitions to Failed.
	DefaultMaxRestarts = 10
	// DefaultStopGrace is how long Stop waits for the child to exit
	// on its own before SIGKILL.
	DefaultStopGrace = 5 * time.Second
	// DefaultChildMemLimitMB kills and restarts the child if its RSS
	// exceeds this.
	DefaultChildMemLimitMB = 500

	frameWidth  = 640
	frameHeight = 480
	bytesPerPx  = 3
	frameBytes  = frameWidth * frameHeight * bytesPerPx
)

// RentBuffer abstracts the byte-buffer allocator (internal/bufpool)
// so this package doesn't need to depend on it directly.
type RentBuffer func(size int) ([]byte, func(), error)

// Config configures a single camera's capture worker.
type Config struct {
	CameraID   string
	StreamURL  string
	DecoderBin string // external decoder binary on PATH, e.g. "ffmpeg"

	StartupWindow   time.Duration
	StallTimeout    time.Duration
	MaxRestarts     int
	StopGrace       time.Duration
	ChildMemLimitMB int

	// Niceness and CPUAffinity implement spec §4.3's "low CPU
	// priority, restricted CPU affinity" contract. Nil/zero disables
	// the corresponding tuning.
	Niceness    int
	CPUAffinity []int

	Rent   RentBuffer
	Ring   *ringbuffer.RingBuffer
	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.StartupWindow <= 0 {
		c.StartupWindow = DefaultStartupWindow
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.ChildMemLimitMB <= 0 {
		c.ChildMemLimitMB = DefaultChildMemLimitMB
	}
	if c.DecoderBin == "" {
		c.DecoderBin = "ffmpeg"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Worker owns one camera's child-process decode loop.
type Worker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	restartCnt  int
	lastFrameAt time.Time

	seq atomic.Uint64

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	// GovernorPermitsRestart, if set, gates Stalled->Restarting the
	// way spec §4.3 requires ("governor permits restart"). Nil means
	// always permitted.
	GovernorPermitsRestart func() bool
}

// New creates a Worker in the Idle state.
func New(cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{cfg: cfg, state: StateIdle, done: make(chan struct{})}
}

// CameraID returns the camera this worker was configured for.
func (w *Worker) CameraID() string { return w.cfg.CameraID }

// State returns the worker's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.cfg.Logger.Info("capture state transition",
			zap.String("camera", w.cfg.CameraID), zap.String("from", prev.String()), zap.String("to", s.String()))
	}
}

// Stats is a snapshot of worker health for the health snapshot.
type Stats struct {
	State        State
	RestartCount int
	LastFrameAge time.Duration
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	age := time.Duration(0)
	if !w.lastFrameAt.IsZero() {
		age = time.Since(w.lastFrameAt)
	}
	return Stats{State: w.state, RestartCount: w.restartCnt, LastFrameAge: age}
}

// Start transitions Idle->Starting and runs the restart loop until
// ctx is cancelled or Stop is called. It returns once the worker
// reaches a terminal state (Idle after Stop, or Failed after
// exhausting restarts).
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer close(w.done)

	bo := newBackoff(time.Second, 5*time.Minute)

	for {
		select {
		case <-ctx.Done():
			w.setState(StateIdle)
			return nil
		default:
		}

		w.mu.Lock()
		restarts := w.restartCnt
		w.mu.Unlock()
		if restarts > w.cfg.MaxRestarts {
			w.setState(StateFailed)
			return fmt.Errorf("%w: camera %s exceeded %d restarts", errs.Fatal, w.cfg.CameraID, w.cfg.MaxRestarts)
		}

		w.setState(StateStarting)
		err := w.runOneAttempt(ctx)
		if err == nil {
			// Graceful stop requested mid-stream.
			w.setState(StateIdle)
			return nil
		}
		if ctx.Err() != nil {
			w.setState(StateIdle)
			return nil
		}

		w.cfg.Logger.Warn("capture attempt failed", zap.String("camera", w.cfg.CameraID), zap.Error(err))
		w.setState(StateStalled)

		if w.GovernorPermitsRestart != nil && !w.GovernorPermitsRestart() {
			if waitErr := bo.Wait(ctx); waitErr != nil {
				w.setState(StateIdle)
				return nil
			}
			continue
		}

		w.mu.Lock()
		w.restartCnt++
		w.mu.Unlock()
		w.setState(StateRestarting)
		if waitErr := bo.Wait(ctx); waitErr != nil {
			w.setState(StateIdle)
			return nil
		}
	}
}

// runOneAttempt spawns the child, reads frames until stall/error/ctx
// cancellation, and returns nil only on a clean ctx-driven stop.
func (w *Worker) runOneAttempt(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, w.cfg.DecoderBin, decoderArgs(w.cfg.StreamURL)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", errs.Transient, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", errs.Transient, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: spawn decoder: %v", errs.Transient, err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.mu.Unlock()

	tuneChildProcess(cmd.Process.Pid, w.cfg.Niceness, w.cfg.CPUAffinity, w.cfg.Logger)

	go w.drainDiagnostics(stderr)

	frames := make(chan domain.Frame, 1)
	readErrs := make(chan error, 1)
	go w.readFrames(stdout, frames, readErrs)

	firstFrame := true
	startupTimer := time.NewTimer(w.cfg.StartupWindow)
	defer startupTimer.Stop()
	stallTimer := time.NewTimer(w.cfg.StallTimeout)
	defer stallTimer.Stop()
	memTicker := time.NewTicker(5 * time.Second)
	defer memTicker.Stop()

	defer w.killChild(cmd)

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-frames:
			if firstFrame {
				firstFrame = false
				startupTimer.Stop()
				w.setState(StateStreaming)
			}
			w.mu.Lock()
			w.lastFrameAt = time.Now()
			w.mu.Unlock()
			if !stallTimer.Stop() {
				select {
				case <-stallTimer.C:
				default:
				}
			}
			stallTimer.Reset(w.cfg.StallTimeout)

			if w.cfg.Ring != nil {
				w.cfg.Ring.Push(f)
			}
		case err := <-readErrs:
			return fmt.Errorf("%w: decoder stream ended: %v", errs.Transient, err)
		case <-startupTimer.C:
			if firstFrame {
				return fmt.Errorf("%w: no frame within startup window %v", errs.Transient, w.cfg.StartupWindow)
			}
		case <-stallTimer.C:
			return fmt.Errorf("%w: no frame for over %v", errs.Transient, w.cfg.StallTimeout)
		case <-memTicker.C:
			if w.childMemoryExceeded(cmd.Process.Pid) {
				return fmt.Errorf("%w: child exceeded %dMB, restarting", errs.Exhaustion, w.cfg.ChildMemLimitMB)
			}
		}
	}
}

// readFrames reads exactly frameBytes per iteration from the
// decoder's stdout — the parent contract from spec §4.3 is that the
// child emits raw BGR frames of a fixed, known size.
func (w *Worker) readFrames(r io.Reader, out chan<- domain.Frame, errCh chan<- error) {
	buf := bufio.NewReaderSize(r, frameBytes*2)
	for {
		var rent []byte
		var release func()
		var err error
		if w.cfg.Rent != nil {
			rent, release, err = w.cfg.Rent(frameBytes)
			if err != nil {
				errCh <- err
				return
			}
		} else {
			rent = make([]byte, frameBytes)
		}

		if _, err := io.ReadFull(buf, rent); err != nil {
			if release != nil {
				release()
			}
			errCh <- err
			return
		}

		f := domain.Frame{
			CameraID:    w.cfg.CameraID,
			Seq:         w.seq.Add(1),
			Width:       frameWidth,
			Height:      frameHeight,
			Format:      domain.PixelFormatBGR24,
			CapturedAt:  time.Now(),
			MonotonicNs: time.Now().UnixNano(),
			Buf:         rent,
		}
		out <- f
	}
}

// drainDiagnostics reads the decoder's stderr line by line and
// classifies each line as error/warning/debug, logging at the
// matching level.
func (w *Worker) drainDiagnostics(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error"):
			w.cfg.Logger.Error("decoder", zap.String("camera", w.cfg.CameraID), zap.String("line", line))
		case strings.Contains(lower, "warn"):
			w.cfg.Logger.Warn("decoder", zap.String("camera", w.cfg.CameraID), zap.String("line", line))
		default:
			w.cfg.Logger.Debug("decoder", zap.String("camera", w.cfg.CameraID), zap.String("line", line))
		}
	}
}

// childMemoryExceeded reports whether the child's RSS exceeds the
// configured limit. Best-effort: a read failure is treated as "not
// exceeded" rather than tearing down a healthy process.
func (w *Worker) childMemoryExceeded(pid int) bool {
	rssKB, err := readProcessRSSKB(pid)
	if err != nil {
		return false
	}
	return rssKB/1024 > uint64(w.cfg.ChildMemLimitMB)
}

// Stop transitions the worker to Idle from any state, terminating the
// child forcefully after a grace period if it doesn't exit on its own.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		cancel := w.cancel
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		select {
		case <-w.done:
		case <-time.After(w.cfg.StopGrace + time.Second):
		}
	})
}

func (w *Worker) killChild(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return
	case <-time.After(w.cfg.StopGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}

// decoderArgs builds a command line "equivalent to" spec §4.3: TCP
// transport, one output frame per 3s, scaled to 640x480, raw BGR on
// stdout, a single decoder thread.
func decoderArgs(url string) []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-i", url,
		"-vf", "scale=" + strconv.Itoa(frameWidth) + ":" + strconv.Itoa(frameHeight),
		"-r", "0.333333",
		"-pix_fmt", "bgr24",
		"-f", "rawvideo",
		"-threads", "1",
		"-loglevel", "warning",
		"pipe:1",
	}
}

// tuneChildProcess applies low CPU priority and restricted CPU
// affinity to the decoder child, per spec §4.3. Best-effort: failures
// are logged, not fatal, since a restricted container may deny these
// syscalls.
func tuneChildProcess(pid, niceness int, affinity []int, logger *zap.Logger) {
	if niceness != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, pid, niceness); err != nil {
			logger.Debug("setpriority failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
	if len(affinity) > 0 {
		var set unix.CPUSet
		set.Zero()
		for _, cpu := range affinity {
			set.Set(cpu)
		}
		if err := unix.SchedSetaffinity(pid, &set); err != nil {
			logger.Debug("sched_setaffinity failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
}
