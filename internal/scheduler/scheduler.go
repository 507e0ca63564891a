// Package scheduler drives the periodic dashboard refresh: screenshot the
// dashboard page, push it to the display, and wait. Failures are retried
// with backoff, quiet hours suppress updates, and a run of failed cycles
// stretches the wait. The loop only ever stops on context cancellation.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"inkdash/internal/backoff"
	"inkdash/internal/battery"
	"inkdash/internal/config"
	appLog "inkdash/internal/log"
	"inkdash/internal/model"
)

// Session is one renderer instance. Close must release it.
type Session interface {
	Goto(ctx context.Context, url string, timeout time.Duration) error
	Screenshot(ctx context.Context, path string) error
	Close() error
}

// Renderer opens a fresh renderer session.
type Renderer interface {
	Open(ctx context.Context) (Session, error)
}

// Sink shows the image stored at imagePath.
type Sink interface {
	Push(ctx context.Context, imagePath string) error
}

// Config holds the loop parameters.
type Config struct {
	DashboardURL   string
	ScreenshotPath string

	InitialDelay     time.Duration
	UpdateInterval   time.Duration
	ExtendedInterval time.Duration
	// Refresh, when set, is a cron expression replacing UpdateInterval.
	Refresh string

	NavigationTimeout time.Duration
	SettleDelay       time.Duration

	MaxRetries             int
	BaseRetryDelay         time.Duration
	MaxRetryDelay          time.Duration
	MaxConsecutiveFailures int

	QuietHours QuietHours
	// Location is used for quiet hours and cron. Nil means time.Local.
	Location *time.Location
}

// FromConfig builds a scheduler Config out of the application config.
func FromConfig(c *config.Config) Config {
	return Config{
		DashboardURL:           c.Capture.DashboardURL,
		ScreenshotPath:         c.Capture.ScreenshotPath,
		InitialDelay:           c.Schedule.InitialDelay,
		UpdateInterval:         c.Schedule.UpdateInterval,
		ExtendedInterval:       c.Schedule.ExtendedInterval,
		Refresh:                c.Schedule.Refresh,
		NavigationTimeout:      c.Capture.NavigationTimeout,
		SettleDelay:            c.Capture.SettleDelay,
		MaxRetries:             c.Capture.MaxRetries,
		BaseRetryDelay:         c.Capture.BaseRetryDelay,
		MaxRetryDelay:          c.Capture.MaxRetryDelay,
		MaxConsecutiveFailures: c.Schedule.MaxConsecutiveFailures,
		QuietHours: QuietHours{
			Enabled: c.QuietHours.Enabled,
			Start:   c.QuietHours.Start,
			End:     c.QuietHours.End,
		},
		Location: c.Location(),
	}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithUniform replaces the jitter source; f must return values in [0, 1).
func WithUniform(f func() float64) Option {
	return func(s *Scheduler) { s.backoff.Uniform = f }
}

// WithBattery logs the battery level after every successful update.
func WithBattery(r battery.Reader) Option {
	return func(s *Scheduler) { s.battery = r }
}

// state is owned by the loop goroutine.
type state struct {
	consecutiveFailures int
	attempt             int
}

// Scheduler runs the update loop. Run must not be called concurrently.
type Scheduler struct {
	cfg      Config
	renderer Renderer
	sink     Sink
	clock    Clock
	backoff  backoff.Policy
	refresh  cron.Schedule
	battery  battery.Reader

	state state

	statusMu sync.RWMutex
	status   model.Status
}

// New validates cfg and returns a Scheduler.
func New(cfg Config, renderer Renderer, sink Sink, opts ...Option) (*Scheduler, error) {
	if renderer == nil || sink == nil {
		return nil, fmt.Errorf("scheduler: renderer and sink are required")
	}
	if cfg.DashboardURL == "" || cfg.ScreenshotPath == "" {
		return nil, fmt.Errorf("scheduler: dashboard URL and screenshot path are required")
	}
	if cfg.MaxRetries <= 0 {
		return nil, fmt.Errorf("scheduler: max retries must be positive, got %d", cfg.MaxRetries)
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		return nil, fmt.Errorf("scheduler: max consecutive failures must be positive, got %d", cfg.MaxConsecutiveFailures)
	}
	if cfg.ExtendedInterval <= 0 {
		cfg.ExtendedInterval = cfg.UpdateInterval / 2
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	s := &Scheduler{
		cfg:      cfg,
		renderer: renderer,
		sink:     sink,
		clock:    SystemClock(),
		backoff:  backoff.New(cfg.BaseRetryDelay, cfg.MaxRetryDelay),
		status: model.Status{
			State:          model.StateStarting,
			ScreenshotPath: cfg.ScreenshotPath,
		},
	}

	if cfg.Refresh != "" {
		sched, err := cron.ParseStandard(cfg.Refresh)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid refresh schedule %q: %w", cfg.Refresh, err)
		}
		s.refresh = sched
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run loops until ctx is canceled. Cancellation is a normal shutdown and
// yields a nil error.
func (s *Scheduler) Run(ctx context.Context) error {
	appLog.Info("update scheduler started",
		"url", s.cfg.DashboardURL,
		"interval", s.cfg.UpdateInterval,
		"refresh", s.cfg.Refresh,
		"quiet_hours", s.cfg.QuietHours.Enabled,
		"quiet_start", s.cfg.QuietHours.Start,
		"quiet_end", s.cfg.QuietHours.End,
	)

	for {
		if err := s.sleep(ctx, s.cfg.InitialDelay, model.StateWaiting); err != nil {
			return s.shutdown()
		}

		now := s.now()
		if s.cfg.QuietHours.Active(now) {
			wait := s.cfg.QuietHours.Remaining(now)
			appLog.Info("quiet hours; skipping update", "hour", now.Hour(), "resume_in", wait)
			if err := s.sleep(ctx, wait, model.StateQuiet); err != nil {
				return s.shutdown()
			}
			continue
		}

		outcome := s.record(s.cycle(ctx))
		switch outcome {
		case OutcomeCanceled:
			return s.shutdown()
		case OutcomeFault:
			if err := s.sleep(ctx, s.cfg.BaseRetryDelay, model.StateWaiting); err != nil {
				return s.shutdown()
			}
			if _, err := s.escalate(ctx); err != nil {
				return s.shutdown()
			}
			continue
		}

		if err := s.wait(ctx); err != nil {
			return s.shutdown()
		}
	}
}

// RunOnce performs a single capture+push cycle immediately, without the
// initial delay or the quiet-hours check, and returns its error (nil on
// success). Failures are counted as in Run.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	err := s.cycle(ctx)
	s.record(err)
	return err
}

// ConsecutiveFailures returns the current failure streak. Only meaningful
// when Run is not executing concurrently.
func (s *Scheduler) ConsecutiveFailures() int {
	return s.state.consecutiveFailures
}

// Status returns a snapshot for the status server.
func (s *Scheduler) Status() model.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// wait sleeps until the next cycle, escalating after too many failures.
func (s *Scheduler) wait(ctx context.Context) error {
	escalated, err := s.escalate(ctx)
	if err != nil || escalated {
		return err
	}
	return s.sleep(ctx, s.nextInterval(), model.StateWaiting)
}

// escalate sleeps ExtendedInterval and resets the failure streak once it
// has reached MaxConsecutiveFailures. It reports whether it did so.
func (s *Scheduler) escalate(ctx context.Context) (bool, error) {
	if s.state.consecutiveFailures < s.cfg.MaxConsecutiveFailures {
		return false, nil
	}
	appLog.Warn("too many consecutive failures; backing off",
		"failures", s.state.consecutiveFailures,
		"wait", s.cfg.ExtendedInterval,
	)
	if err := s.sleep(ctx, s.cfg.ExtendedInterval, model.StateEscalated); err != nil {
		return false, err
	}
	s.state.consecutiveFailures = 0
	s.updateStatus(func(st *model.Status) { st.ConsecutiveFailures = 0 })
	return true, nil
}

// nextInterval is UpdateInterval, or the time to the next cron tick when a
// refresh schedule is configured.
func (s *Scheduler) nextInterval() time.Duration {
	if s.refresh == nil {
		return s.cfg.UpdateInterval
	}
	now := s.now()
	return s.refresh.Next(now).Sub(now)
}

// cycle captures and pushes once. It never panics: a panic from a
// collaborator is turned into an OutcomeFault error.
func (s *Scheduler) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CycleError{Outcome: OutcomeFault, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	s.updateStatus(func(st *model.Status) { st.State = model.StateCapturing })
	if err := s.captureScreenshot(ctx, s.cfg.ScreenshotPath); err != nil {
		if ctx.Err() != nil {
			return &CycleError{Outcome: OutcomeCanceled, Err: ctx.Err()}
		}
		return &CycleError{Outcome: OutcomeCaptureFailed, Err: err}
	}

	s.updateStatus(func(st *model.Status) { st.State = model.StatePushing })
	if err := s.sink.Push(ctx, s.cfg.ScreenshotPath); err != nil {
		if ctx.Err() != nil {
			return &CycleError{Outcome: OutcomeCanceled, Err: ctx.Err()}
		}
		return &CycleError{Outcome: OutcomePushFailed, Err: err}
	}
	return nil
}

// record applies a cycle result to the failure counter and the status
// snapshot, and returns its outcome.
func (s *Scheduler) record(err error) Outcome {
	outcome := OutcomeOf(err)
	now := s.clock.Now()

	switch {
	case outcome == OutcomeSuccess:
		s.state.consecutiveFailures = 0
		appLog.Info("display updated", "path", s.cfg.ScreenshotPath)
		s.logBattery()
	case outcome.Failed():
		s.state.consecutiveFailures++
		appLog.Error("update cycle failed", err,
			"outcome", outcome.String(),
			"consecutive_failures", s.state.consecutiveFailures,
		)
	}

	s.updateStatus(func(st *model.Status) {
		st.ConsecutiveFailures = s.state.consecutiveFailures
		st.Attempt = s.state.attempt
		if outcome == OutcomeCanceled {
			return
		}
		st.Cycles++
		if outcome == OutcomeSuccess {
			st.Successes++
			st.LastSuccess = now
			return
		}
		st.LastFailure = now
		st.LastError = err.Error()
	})
	return outcome
}

func (s *Scheduler) logBattery() {
	if s.battery == nil {
		return
	}
	st, err := s.battery.Read(context.Background())
	if err != nil {
		appLog.Error("battery read failed", err)
		return
	}
	appLog.Info("battery status", "percent", st.Percent, "voltage_mv", st.VoltageMv)
}

// sleep suspends the loop, publishing the state and wake-up time.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration, st model.State) error {
	wake := s.clock.Now().Add(d)
	s.updateStatus(func(ms *model.Status) {
		ms.State = st
		ms.NextWakeup = wake
	})
	return s.clock.Sleep(ctx, d)
}

func (s *Scheduler) shutdown() error {
	s.updateStatus(func(st *model.Status) {
		st.State = model.StateStopped
		st.NextWakeup = time.Time{}
	})
	appLog.Info("update scheduler shutting down", "consecutive_failures", s.state.consecutiveFailures)
	return nil
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().In(s.cfg.Location)
}

func (s *Scheduler) updateStatus(f func(*model.Status)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	f(&s.status)
}
