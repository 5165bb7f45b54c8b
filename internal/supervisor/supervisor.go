// Package supervisor owns the shutdown token shared by every
// long-running task (spec §4.10/§5): scheduled daily restart, ordered
// coordinated shutdown, crash capture with a post-mortem record, and
// governor-initiated emergency shutdown. The signal-channel-plus-
// goto-shutdown shape of lkumar3-iitr-Sensor-Logger/cmd/main.go is
// generalized here into a reusable type instead of inline main
// function logic, since this runtime has more tasks to sequence than
// the teacher's single recording pipeline.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/QusaiiSaleem/visionops/internal/governor"
)

// ExitCode mirrors spec §4.10's process exit codes.
type ExitCode int

const (
	ExitClean             ExitCode = 0
	ExitConfigInvalid     ExitCode = 2
	ExitModelLoadFailure  ExitCode = 3
	ExitGovernorEmergency ExitCode = 4
	ExitPanic             ExitCode = 5
)

// DefaultRestartSchedule is "daily at 03:00 local" in cron's 5-field
// form (minute hour day month weekday).
const DefaultRestartSchedule = "0 3 * * *"

// DefaultShutdownBudget is the bounded drain window spec §5 assigns
// to every long-running task observing the shutdown token.
const DefaultShutdownBudget = 30 * time.Second

// DefaultReplicatorDrainGrace is how long Wait holds the process open
// after closing the local store, the last step of shutdown. By then
// the spawned replicator has stopped and nothing more is acked; items
// left InFlight keep their lease until it expires.
const DefaultReplicatorDrainGrace = 5 * time.Minute

// CaptureWorker is the subset of internal/capture.Worker the
// supervisor stops first, before anything else, so no new frames
// enter the pipeline during shutdown.
type CaptureWorker interface {
	Stop()
}

// Flusher is the subset of internal/aggregator.Aggregator the
// supervisor flushes after draining the scheduler.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Closer is the subset of internal/store.Store the supervisor closes
// once nothing else will write to it.
type Closer interface {
	Close() error
}

type eventRecord struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Config configures a Supervisor.
type Config struct {
	CaptureWorkers       []CaptureWorker
	Aggregator           Flusher
	Store                Closer
	ShutdownBudget       time.Duration
	ReplicatorDrainGrace time.Duration
	RestartSchedule      string
	PostMortemDir        string
	MaxEvents            int
	Logger               *zap.Logger
}

// Supervisor owns the process-wide shutdown token and sequences the
// teardown of every other task when a shutdown is triggered, whether
// by OS signal, scheduled restart, governor emergency, or panic.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	wg      sync.WaitGroup
	workers []CaptureWorker
	aggregator Flusher
	store      Closer

	shutdownBudget  time.Duration
	drainGrace      time.Duration
	restartSchedule string
	postMortemDir   string
	maxEvents       int

	mu     sync.Mutex
	events []eventRecord

	exitCh chan ExitCode
	cron   *cron.Cron
	logger *zap.Logger
}

// New builds a Supervisor. The root context it creates is the
// shutdown token: pass Context() into every capture worker, the
// scheduler, the governor and the replicator so they all observe the
// same cancellation.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownBudget <= 0 {
		cfg.ShutdownBudget = DefaultShutdownBudget
	}
	if cfg.ReplicatorDrainGrace <= 0 {
		cfg.ReplicatorDrainGrace = DefaultReplicatorDrainGrace
	}
	if cfg.RestartSchedule == "" {
		cfg.RestartSchedule = DefaultRestartSchedule
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		ctx:             ctx,
		cancel:          cancel,
		workers:         cfg.CaptureWorkers,
		aggregator:      cfg.Aggregator,
		store:           cfg.Store,
		shutdownBudget:  cfg.ShutdownBudget,
		drainGrace:      cfg.ReplicatorDrainGrace,
		restartSchedule: cfg.RestartSchedule,
		postMortemDir:   cfg.PostMortemDir,
		maxEvents:       cfg.MaxEvents,
		exitCh:          make(chan ExitCode, 1),
		logger:          cfg.Logger.Named("supervisor"),
	}
}

// Context is the shutdown token every long-running task must observe
// at its suspension points.
func (s *Supervisor) Context() context.Context { return s.ctx }

// RecordEvent appends a timestamped note to the bounded event ring
// used for crash post-mortems, and logs it at info level.
func (s *Supervisor) RecordEvent(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.mu.Lock()
	s.events = append(s.events, eventRecord{At: time.Now(), Message: msg})
	if len(s.events) > s.maxEvents {
		s.events = s.events[len(s.events)-s.maxEvents:]
	}
	s.mu.Unlock()
	s.logger.Info(msg)
}

// Events returns a snapshot of the recent event ring, most recent
// last.
func (s *Supervisor) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = fmt.Sprintf("%s %s", e.At.Format(time.RFC3339), e.Message)
	}
	return out
}

// Spawn launches fn in a managed goroutine, passing the shutdown
// token, and recovers any panic into a post-mortem record followed by
// an ExitPanic signal rather than crashing the process silently.
func (s *Supervisor) Spawn(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.recoverPanic(name)
		fn(s.ctx)
	}()
}

func (s *Supervisor) recoverPanic(name string) {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()
	reason := fmt.Sprintf("panic in %s: %v", name, r)
	s.RecordEvent(reason)
	if err := s.writePostMortem(reason, stack); err != nil {
		s.logger.Error("failed to write post-mortem", zap.Error(err))
	}
	s.signalExit(ExitPanic)
}

// WatchGovernor subscribes to a Governor's event stream so a
// critical_shutdown event triggers an immediate emergency shutdown
// (spec §4.10, exit code 4).
func (s *Supervisor) WatchGovernor(g *governor.Governor) {
	g.Subscribe(func(e governor.Event) {
		s.RecordEvent("governor event %q level=%s", e.Kind, e.State.Level)
		if e.Kind == "critical_shutdown" {
			s.RecordEvent("governor requested emergency shutdown")
			s.signalExit(ExitGovernorEmergency)
		}
	})
}

// StartScheduledRestart registers the daily wall-clock restart (spec
// §4.10, default 03:00 local). The triggered restart is a clean exit;
// an external process supervisor (systemd, launchd) is responsible
// for relaunching.
func (s *Supervisor) StartScheduledRestart() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.restartSchedule, func() {
		s.RecordEvent("scheduled restart triggered")
		s.signalExit(ExitClean)
	})
	if err != nil {
		return fmt.Errorf("supervisor: invalid restart schedule %q: %w", s.restartSchedule, err)
	}
	s.cron.Start()
	return nil
}

// TriggerShutdown requests a clean shutdown, e.g. from an OS signal
// handler in main.go.
func (s *Supervisor) TriggerShutdown() {
	s.RecordEvent("shutdown requested")
	s.signalExit(ExitClean)
}

func (s *Supervisor) signalExit(code ExitCode) {
	select {
	case s.exitCh <- code:
	default:
	}
	s.cancel()
}

// Wait blocks until a shutdown is signalled — by TriggerShutdown, a
// scheduled restart, a governor emergency, a panic in a spawned task,
// or the given context being cancelled — then runs the coordinated
// shutdown sequence from spec §4.10 and returns the exit code to pass
// to os.Exit.
func (s *Supervisor) Wait(ctx context.Context) ExitCode {
	var code ExitCode
	select {
	case code = <-s.exitCh:
	case <-ctx.Done():
		code = ExitClean
		s.cancel()
	}
	s.shutdown()
	return code
}

func (s *Supervisor) shutdown() {
	if s.cron != nil {
		s.cron.Stop()
	}

	for _, w := range s.workers {
		w.Stop()
	}
	s.RecordEvent("capture workers stopped")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.RecordEvent("scheduler and background tasks drained")
	case <-time.After(s.shutdownBudget):
		s.RecordEvent("drain budget exceeded, forcing shutdown")
	}

	if s.aggregator != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.aggregator.Flush(flushCtx); err != nil {
			s.RecordEvent("aggregator flush failed: %v", err)
		}
		cancel()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.RecordEvent("store close failed: %v", err)
		}
	}

	if s.drainGrace > 0 {
		time.Sleep(s.drainGrace)
	}
	s.RecordEvent("shutdown complete")
}

type postMortem struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Stack  string    `json:"stack"`
	Events []string  `json:"recent_events"`
}

func (s *Supervisor) writePostMortem(reason string, stack []byte) error {
	if s.postMortemDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.postMortemDir, 0o755); err != nil {
		return err
	}

	pm := postMortem{
		At:     time.Now(),
		Reason: reason,
		Stack:  string(stack),
		Events: s.Events(),
	}
	body, err := json.MarshalIndent(pm, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.postMortemDir, fmt.Sprintf("postmortem-%d.json", time.Now().UnixNano()))
	return os.WriteFile(path, body, 0o644)
}
