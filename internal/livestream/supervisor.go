package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"stream-orchestrator/internal/platform/metrics"
)

// Supervisor defaults.
const (
	DefaultIdleTeardownDelay = 30 * time.Second
	DefaultStopGracePeriod   = 5 * time.Second
	DefaultKillWait          = 2 * time.Second
)

// ConfigReader is the read side of the config store.
type ConfigReader interface {
	Read() StreamingConfig
}

// ViewerCounter reports the live number of viewers.
type ViewerCounter interface {
	Count() int
}

// SupervisorOptions tunes the supervisor. Zero durations select the defaults.
type SupervisorOptions struct {
	Output            OutputOptions
	IdleTeardownDelay time.Duration
	StopGracePeriod   time.Duration
	KillWait          time.Duration
	// ReadyOnSpawn marks the process running right after spawn instead of
	// waiting for its first diagnostic line.
	ReadyOnSpawn bool
}

func (o SupervisorOptions) withDefaults() SupervisorOptions {
	if o.IdleTeardownDelay <= 0 {
		o.IdleTeardownDelay = DefaultIdleTeardownDelay
	}
	if o.StopGracePeriod <= 0 {
		o.StopGracePeriod = DefaultStopGracePeriod
	}
	if o.KillWait <= 0 {
		o.KillWait = DefaultKillWait
	}
	o.Output = o.Output.withDefaults()
	return o
}

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evViewerCount
	evIdleFire
	evGraceFire
	evKillWaitFire
	evShutdown
)

type supervisorEvent struct {
	kind  eventKind
	gen   uint64
	reply chan struct{}
}

// Supervisor is the sole owner of the transcoder process and its state.
// All state below the events channel is touched only by the Run goroutine;
// other goroutines talk to it by posting events.
type Supervisor struct {
	launcher Launcher
	profiles *ProfileRegistry
	config   ConfigReader
	viewers  ViewerCounter
	pub      Publisher
	log      *slog.Logger
	metrics  *metrics.Metrics
	opts     SupervisorOptions

	events  chan supervisorEvent
	stopped chan struct{}
	runOnce sync.Once

	state        ProcessState
	proc         Process
	procLines    <-chan string
	procDone     <-chan struct{}
	procGen      uint64
	stopping     bool
	pendingStart bool
	shuttingDown bool
	graceTimer   *time.Timer
	idleTimer    *time.Timer
	idleGen      uint64
	startedAt    time.Time
	spawns       int
	lastErr      string
	lastStats    *StatsSample
	endpoints    *Endpoints
	waiters      []chan struct{}
	releasedPID  int

	snapMu sync.RWMutex
	snap   Status
}

// NewSupervisor wires the supervisor to its collaborators. pub and m may be nil.
func NewSupervisor(launcher Launcher, profiles *ProfileRegistry, config ConfigReader, viewers ViewerCounter, pub Publisher, log *slog.Logger, m *metrics.Metrics, opts SupervisorOptions) *Supervisor {
	s := &Supervisor{
		launcher: launcher,
		profiles: profiles,
		config:   config,
		viewers:  viewers,
		pub:      pub,
		log:      log,
		metrics:  m,
		opts:     opts.withDefaults(),
		events:   make(chan supervisorEvent, 64),
		stopped:  make(chan struct{}),
		state:    StateStopped,
	}
	s.snap = Status{State: StateStopped}
	return s
}

// RequestStart asks for the transcoder to be running. It is idempotent:
// any number of requests while starting or running spawn nothing new.
func (s *Supervisor) RequestStart() {
	s.post(supervisorEvent{kind: evStart})
}

// RequestStop asks a running transcoder to stop. It is a no-op unless running.
func (s *Supervisor) RequestStop() {
	s.post(supervisorEvent{kind: evStop})
}

// ViewerCountChanged implements CountObserver.
func (s *Supervisor) ViewerCountChanged(int) {
	s.post(supervisorEvent{kind: evViewerCount})
}

// Shutdown stops the transcoder for host termination and waits until it is
// gone or ctx ends, whichever comes first. Start requests are refused from now on.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case s.events <- supervisorEvent{kind: evShutdown, reply: reply}:
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return nil
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		s.log.Warn("transcoder did not stop before shutdown deadline")
		return ctx.Err()
	}
}

// Status returns the latest snapshot with the live viewer count.
func (s *Supervisor) Status() Status {
	s.snapMu.RLock()
	st := s.snap
	s.snapMu.RUnlock()
	st.Viewers = s.viewers.Count()
	return st
}

// Streaming reports whether the transcoder is running.
func (s *Supervisor) Streaming() bool {
	return s.Status().State == StateRunning
}

// Run drives the state machine until ctx is cancelled. Any process still
// alive at that point is killed without waiting.
func (s *Supervisor) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("supervisor already running")
	}
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			s.abandon()
			return nil
		case ev := <-s.events:
			s.handle(ev)
		case line, ok := <-s.procLines:
			if !ok {
				s.procLines = nil
				continue
			}
			s.handleLine(line)
		case <-s.procDone:
			s.handleExit()
		}
		s.publishSnapshot()
	}
}

func (s *Supervisor) post(ev supervisorEvent) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

func (s *Supervisor) handle(ev supervisorEvent) {
	switch ev.kind {
	case evStart:
		s.handleStart()
	case evStop:
		s.handleStop()
	case evViewerCount:
		s.evaluateIdle()
	case evIdleFire:
		s.handleIdleFire(ev.gen)
	case evGraceFire:
		s.handleGraceFire(ev.gen)
	case evKillWaitFire:
		s.handleKillWaitFire(ev.gen)
	case evShutdown:
		s.handleShutdown(ev.reply)
	}
}

func (s *Supervisor) handleStart() {
	if s.shuttingDown {
		s.log.Debug("start ignored during shutdown")
		return
	}
	if s.state.Active() {
		if s.stopping {
			// Teardown in flight: spawn again once the old process is gone.
			s.pendingStart = true
		}
		return
	}
	s.spawn()
}

func (s *Supervisor) spawn() {
	s.setState(StateStarting)

	cfg := s.config.Read()
	args, err := s.buildArgs(cfg)
	if err != nil {
		s.spawnFailed(err)
		return
	}
	if err := os.MkdirAll(s.opts.Output.Dir, 0o755); err != nil {
		s.spawnFailed(fmt.Errorf("prepare output dir: %w", err))
		return
	}

	proc, err := s.launcher.Launch(args)
	if err != nil {
		s.spawnFailed(err)
		return
	}

	s.spawns++
	s.procGen++
	s.proc = proc
	s.procLines = proc.Lines()
	s.procDone = proc.Done()
	s.startedAt = time.Now().UTC()
	s.lastErr = ""
	s.lastStats = nil
	ep := BuildEndpoints(cfg, s.opts.Output)
	s.endpoints = &ep
	s.metrics.IncSpawns()

	s.log.Info("transcoder spawned",
		slog.Int("pid", proc.PID()),
		slog.String("source_kind", string(cfg.SourceKind)),
		slog.String("quality", cfg.Quality))

	if s.opts.ReadyOnSpawn {
		s.markRunning()
	}
}

func (s *Supervisor) buildArgs(cfg StreamingConfig) ([]string, error) {
	profile, err := s.profiles.Lookup(cfg.SourceKind)
	if err != nil {
		return nil, err
	}
	return BuildArgs(profile, cfg, s.opts.Output)
}

func (s *Supervisor) spawnFailed(err error) {
	s.lastErr = err.Error()
	s.setState(StateFailed)
	s.metrics.IncFailures()
	s.log.Error("transcoder spawn failed", slog.String("error", err.Error()))
	s.publish(EventStreamEnded, streamEndedData{Reason: "spawn-failed"})
	s.pendingStart = false
	s.cancelIdle()
	s.releaseWaiters()
}

func (s *Supervisor) markRunning() {
	s.setState(StateRunning)
	var ep Endpoints
	if s.endpoints != nil {
		ep = *s.endpoints
	}
	s.log.Info("transcoder running", slog.String("hls", ep.HLS))
	s.publish(EventStreamStarted, streamStartedData{Endpoints: ep})
	s.evaluateIdle()
}

func (s *Supervisor) handleLine(line string) {
	s.log.Debug("transcoder output", slog.String("line", line))
	if s.state == StateStarting && !s.stopping {
		s.markRunning()
	}
	sample, ok := ParseStatsLine(line, time.Now().UTC())
	if !ok {
		return
	}
	s.lastStats = &sample
	s.metrics.ObserveStats(sample.FPS, sample.BitrateKbps)
	s.publish(EventStreamStats, streamStatsData{Sample: sample})
}

func (s *Supervisor) handleStop() {
	if s.state != StateRunning || s.stopping {
		return
	}
	s.beginStop("stop requested")
}

// beginStop sends the graceful signal and arms the grace window.
func (s *Supervisor) beginStop(reason string) {
	s.stopping = true
	s.log.Info("stopping transcoder", slog.String("reason", reason), slog.Int("pid", s.proc.PID()))
	if err := s.proc.Interrupt(); err != nil {
		s.log.Warn("graceful stop signal failed", slog.String("error", err.Error()))
	}
	gen := s.procGen
	s.graceTimer = time.AfterFunc(s.opts.StopGracePeriod, func() {
		s.post(supervisorEvent{kind: evGraceFire, gen: gen})
	})
}

func (s *Supervisor) handleGraceFire(gen uint64) {
	if gen != s.procGen || s.proc == nil {
		return
	}
	s.log.Warn("transcoder did not exit within grace period, killing",
		slog.Int("pid", s.proc.PID()),
		slog.Duration("grace", s.opts.StopGracePeriod))
	if err := s.proc.Kill(); err != nil {
		s.log.Warn("kill failed", slog.String("error", err.Error()))
	}
	s.graceTimer = time.AfterFunc(s.opts.KillWait, func() {
		s.post(supervisorEvent{kind: evKillWaitFire, gen: gen})
	})
}

func (s *Supervisor) handleKillWaitFire(gen uint64) {
	if gen != s.procGen || s.proc == nil {
		return
	}
	s.log.Warn("transcoder did not exit after kill, releasing handle", slog.Int("pid", s.proc.PID()))
	s.releasedPID = s.proc.PID()
	s.finish(nil)
}

func (s *Supervisor) handleExit() {
	s.finish(s.proc.ExitErr())
}

// finish clears the handle and settles the state after the process is gone.
func (s *Supervisor) finish(exitErr error) {
	requested := s.stopping
	pid := s.proc.PID()

	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.proc = nil
	s.procLines = nil
	s.procDone = nil
	s.stopping = false
	s.endpoints = nil
	s.startedAt = time.Time{}

	reason := "stopped"
	switch {
	case requested:
		s.setState(StateStopped)
		s.log.Info("transcoder stopped", slog.Int("pid", pid))
	case exitErr == nil:
		s.setState(StateStopped)
		reason = "exited"
		s.log.Info("transcoder exited", slog.Int("pid", pid))
	default:
		s.setState(StateFailed)
		reason = "failed"
		s.lastErr = exitErr.Error()
		s.metrics.IncFailures()
		s.log.Warn("transcoder exited abnormally", slog.Int("pid", pid), slog.String("error", exitErr.Error()))
	}
	s.publish(EventStreamEnded, streamEndedData{Reason: reason})
	s.cancelIdle()
	s.releaseWaiters()

	released := s.releasedPID
	s.releasedPID = 0
	if s.pendingStart && !s.shuttingDown {
		s.pendingStart = false
		s.spawn()
		if released != 0 && s.proc != nil {
			s.log.Warn("respawned while the released transcoder may still be alive",
				slog.Int("orphan_pid", released),
				slog.Int("pid", s.proc.PID()))
		}
	}
	s.pendingStart = false
}

func (s *Supervisor) handleShutdown(reply chan struct{}) {
	s.shuttingDown = true
	s.pendingStart = false
	s.cancelIdle()

	if s.proc == nil {
		close(reply)
		return
	}
	s.waiters = append(s.waiters, reply)
	if !s.stopping {
		s.beginStop("shutdown")
	}
}

// abandon kills whatever is still running when the loop exits.
func (s *Supervisor) abandon() {
	s.cancelIdle()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	if s.proc != nil {
		s.log.Warn("killing transcoder on exit", slog.Int("pid", s.proc.PID()))
		_ = s.proc.Kill()
		s.proc = nil
		s.setState(StateStopped)
	}
	s.releaseWaiters()
	s.publishSnapshot()
}

// evaluateIdle arms the idle teardown timer when nobody is watching an
// active process and cancels it as soon as someone is.
func (s *Supervisor) evaluateIdle() {
	if s.viewers.Count() > 0 {
		s.cancelIdle()
		return
	}
	if !s.state.Active() || s.idleTimer != nil || s.shuttingDown {
		return
	}
	s.idleGen++
	gen := s.idleGen
	s.idleTimer = time.AfterFunc(s.opts.IdleTeardownDelay, func() {
		s.post(supervisorEvent{kind: evIdleFire, gen: gen})
	})
	s.log.Debug("idle teardown scheduled", slog.Duration("delay", s.opts.IdleTeardownDelay))
}

func (s *Supervisor) cancelIdle() {
	if s.idleTimer == nil {
		return
	}
	s.idleTimer.Stop()
	s.idleTimer = nil
	s.idleGen++
	s.log.Debug("idle teardown cancelled")
}

func (s *Supervisor) handleIdleFire(gen uint64) {
	if gen != s.idleGen {
		return
	}
	s.idleTimer = nil

	// The count captured when the timer was armed may be stale.
	if n := s.viewers.Count(); n > 0 {
		s.log.Debug("idle teardown skipped, viewers returned", slog.Int("viewers", n))
		return
	}
	switch s.state {
	case StateStarting:
		s.evaluateIdle()
	case StateRunning:
		s.log.Info("no viewers left, tearing down transcoder")
		s.handleStop()
	}
}

func (s *Supervisor) setState(st ProcessState) {
	s.state = st
	s.metrics.SetTranscoderState(string(st))
	s.publishSnapshot()
}

// publish refreshes the snapshot first so Status never lags a broadcast.
func (s *Supervisor) publish(eventType string, data any) {
	s.publishSnapshot()
	if s.pub != nil {
		s.pub.Publish(NewEvent(eventType, data))
	}
}

func (s *Supervisor) releaseWaiters() {
	if s.proc != nil {
		return
	}
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
}

func (s *Supervisor) publishSnapshot() {
	st := Status{
		State:     s.state,
		Spawns:    s.spawns,
		LastError: s.lastErr,
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	if s.lastStats != nil {
		sample := *s.lastStats
		st.LastStats = &sample
	}
	if s.endpoints != nil && s.state == StateRunning {
		ep := *s.endpoints
		st.Endpoints = &ep
	}

	s.snapMu.Lock()
	s.snap = st
	s.snapMu.Unlock()
}
