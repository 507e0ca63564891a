package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	appLog "inkdash/internal/log"
	"inkdash/internal/model"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

var errNavTimeout = errors.New("navigation timed out")

// fakeClock records every sleep and advances its own time. When cancelAt
// is reached it cancels the run context, as if a shutdown signal arrived
// during that sleep.
type fakeClock struct {
	now      time.Time
	sleeps   []time.Duration
	cancelAt int
	cancel   context.CancelFunc
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	if c.cancelAt > 0 && len(c.sleeps) == c.cancelAt {
		c.cancel()
		return ctx.Err()
	}
	return nil
}

type fakeRenderer struct {
	opens  int
	closes int

	// gotoFailures is how many upcoming Goto calls fail; negative means all.
	gotoFailures int
	openErr      error
	shotErr      error
	panicOnOpen  bool
}

func (r *fakeRenderer) Open(context.Context) (Session, error) {
	r.opens++
	if r.panicOnOpen {
		panic("renderer exploded")
	}
	if r.openErr != nil {
		return nil, r.openErr
	}
	return &fakeSession{r: r}, nil
}

type fakeSession struct {
	r *fakeRenderer
}

func (s *fakeSession) Goto(context.Context, string, time.Duration) error {
	if s.r.gotoFailures != 0 {
		if s.r.gotoFailures > 0 {
			s.r.gotoFailures--
		}
		return errNavTimeout
	}
	return nil
}

func (s *fakeSession) Screenshot(context.Context, string) error {
	return s.r.shotErr
}

func (s *fakeSession) Close() error {
	s.r.closes++
	return nil
}

type fakeSink struct {
	pushes      int
	err         error
	panicOnPush bool
}

func (s *fakeSink) Push(context.Context, string) error {
	s.pushes++
	if s.panicOnPush {
		panic("display driver exploded")
	}
	return s.err
}

func testConfig() Config {
	return Config{
		DashboardURL:           "http://localhost:3000",
		ScreenshotPath:         "dashboard.png",
		InitialDelay:           5 * time.Second,
		UpdateInterval:         4 * time.Hour,
		ExtendedInterval:       2 * time.Hour,
		NavigationTimeout:      30 * time.Second,
		SettleDelay:            5 * time.Second,
		MaxRetries:             5,
		BaseRetryDelay:         30 * time.Second,
		MaxRetryDelay:          600 * time.Second,
		MaxConsecutiveFailures: 10,
		QuietHours:             QuietHours{Enabled: false, Start: 22, End: 6},
		Location:               time.UTC,
	}
}

func noon() time.Time {
	return time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
}

func newTestScheduler(t *testing.T, cfg Config, r Renderer, sink Sink, clock *fakeClock) *Scheduler {
	t.Helper()
	// Uniform 0.5 maps to zero jitter, so backoff sleeps are exact.
	s, err := New(cfg, r, sink, WithClock(clock), WithUniform(func() float64 { return 0.5 }))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return s
}

// runUntilCanceled runs the loop with a context the fake clock cancels on
// its cancelAt-th sleep.
func runUntilCanceled(t *testing.T, s *Scheduler, clock *fakeClock, cancelAt int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock.cancel = cancel
	clock.cancelAt = cancelAt

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() err=%v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunOnceSuccessResetsFailures(t *testing.T) {
	r := &fakeRenderer{}
	sink := &fakeSink{}
	clock := &fakeClock{now: noon()}
	s := newTestScheduler(t, testConfig(), r, sink, clock)
	s.state.consecutiveFailures = 7

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if got := s.ConsecutiveFailures(); got != 0 {
		t.Fatalf("consecutiveFailures = %d, want 0", got)
	}
	if r.opens != 1 || r.closes != 1 || sink.pushes != 1 {
		t.Fatalf("opens=%d closes=%d pushes=%d, want 1/1/1", r.opens, r.closes, sink.pushes)
	}
	if want := []time.Duration{5 * time.Second}; !equalDurations(clock.sleeps, want) {
		t.Fatalf("sleeps = %v, want %v (settle delay only)", clock.sleeps, want)
	}

	st := s.Status()
	if st.Cycles != 1 || st.Successes != 1 || st.LastSuccess.IsZero() {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunOnceCaptureExhausted(t *testing.T) {
	r := &fakeRenderer{gotoFailures: -1}
	sink := &fakeSink{}
	clock := &fakeClock{now: noon()}
	s := newTestScheduler(t, testConfig(), r, sink, clock)
	s.state.consecutiveFailures = 3

	err := s.RunOnce(context.Background())
	if got := OutcomeOf(err); got != OutcomeCaptureFailed {
		t.Fatalf("outcome = %s, want capture_failed (err=%v)", got, err)
	}
	if !errors.Is(err, errNavTimeout) {
		t.Fatalf("err = %v, want wrapped navigation error", err)
	}
	if got := s.ConsecutiveFailures(); got != 4 {
		t.Fatalf("consecutiveFailures = %d, want 4", got)
	}
	if r.opens != 5 || r.closes != 5 {
		t.Fatalf("opens=%d closes=%d, want 5/5", r.opens, r.closes)
	}
	if sink.pushes != 0 {
		t.Fatalf("pushes = %d, want 0", sink.pushes)
	}

	// Backoff between attempts only: no sleep after the final attempt.
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}
	if !equalDurations(clock.sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", clock.sleeps, want)
	}
}

func TestRunOnceRetryThenSuccess(t *testing.T) {
	r := &fakeRenderer{gotoFailures: 2}
	sink := &fakeSink{}
	clock := &fakeClock{now: noon()}
	s := newTestScheduler(t, testConfig(), r, sink, clock)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if r.opens != 3 || r.closes != 3 {
		t.Fatalf("opens=%d closes=%d, want 3/3", r.opens, r.closes)
	}
	want := []time.Duration{30 * time.Second, 60 * time.Second, 5 * time.Second}
	if !equalDurations(clock.sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", clock.sleeps, want)
	}
}

func TestRunOnceScreenshotErrorStillClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	r := &fakeRenderer{shotErr: errors.New("renderer crashed")}
	clock := &fakeClock{now: noon()}
	s := newTestScheduler(t, cfg, r, &fakeSink{}, clock)

	if got := OutcomeOf(s.RunOnce(context.Background())); got != OutcomeCaptureFailed {
		t.Fatalf("outcome = %s, want capture_failed", got)
	}
	if r.opens != 2 || r.closes != 2 {
		t.Fatalf("opens=%d closes=%d, want 2/2", r.opens, r.closes)
	}
}

func TestRunOncePushFailure(t *testing.T) {
	r := &fakeRenderer{}
	sink := &fakeSink{err: errors.New("display busy")}
	clock := &fakeClock{now: noon()}
	s := newTestScheduler(t, testConfig(), r, sink, clock)
	s.state.consecutiveFailures = 2

	if got := OutcomeOf(s.RunOnce(context.Background())); got != OutcomePushFailed {
		t.Fatalf("outcome = %s, want push_failed", got)
	}
	if got := s.ConsecutiveFailures(); got != 3 {
		t.Fatalf("consecutiveFailures = %d, want 3", got)
	}
	if sink.pushes != 1 {
		t.Fatalf("pushes = %d, want 1 (no retry within a cycle)", sink.pushes)
	}
}

func TestRunEscalatesAfterMaxFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	r := &fakeRenderer{openErr: errors.New("chromium missing")}
	clock := &fakeClock{now: noon()}
	s := newTestScheduler(t, cfg, r, &fakeSink{}, clock)

	// Ten failed cycles use two sleeps each; the 21st sleep is the initial
	// delay of cycle eleven.
	runUntilCanceled(t, s, clock, 21)

	if r.opens != 10 {
		t.Fatalf("opens = %d, want 10", r.opens)
	}
	if got := s.ConsecutiveFailures(); got != 0 {
		t.Fatalf("consecutiveFailures = %d, want 0 after escalation", got)
	}

	extended := 0
	for i := 0; i < 20; i += 2 {
		if clock.sleeps[i] != 5*time.Second {
			t.Fatalf("sleep[%d] = %s, want initial delay", i, clock.sleeps[i])
		}
		wait := clock.sleeps[i+1]
		switch {
		case i+1 == 19:
			if wait != 2*time.Hour {
				t.Fatalf("cycle 10 wait = %s, want 2h", wait)
			}
			extended++
		case wait != 4*time.Hour:
			t.Fatalf("sleep[%d] = %s, want 4h", i+1, wait)
		}
	}
	if extended != 1 {
		t.Fatalf("extended waits = %d, want 1", extended)
	}
}

func TestRunCountingResumesAfterEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	r := &fakeRenderer{openErr: errors.New("chromium missing")}
	clock := &fakeClock{now: noon()}
	s := newTestScheduler(t, cfg, r, &fakeSink{}, clock)

	// Cycle eleven fails after the reset and waits the normal interval.
	runUntilCanceled(t, s, clock, 23)

	if got := s.ConsecutiveFailures(); got != 1 {
		t.Fatalf("consecutiveFailures = %d, want 1", got)
	}
	if got := clock.sleeps[21]; got != 4*time.Hour {
		t.Fatalf("cycle 11 wait = %s, want 4h", got)
	}
}

func TestRunCancellationDoesNotCount(t *testing.T) {
	tests := []struct {
		name         string
		renderer     *fakeRenderer
		cancelAt     int
		wantFailures int
		wantPushes   int
	}{
		{"initial delay", &fakeRenderer{}, 1, 3, 0},
		{"settle delay", &fakeRenderer{}, 2, 3, 0},
		{"retry backoff", &fakeRenderer{gotoFailures: -1}, 2, 3, 0},
		{"interval after success", &fakeRenderer{}, 3, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			clock := &fakeClock{now: noon()}
			s := newTestScheduler(t, testConfig(), tt.renderer, sink, clock)
			s.state.consecutiveFailures = 3

			runUntilCanceled(t, s, clock, tt.cancelAt)

			if got := s.ConsecutiveFailures(); got != tt.wantFailures {
				t.Fatalf("consecutiveFailures = %d, want %d", got, tt.wantFailures)
			}
			if sink.pushes != tt.wantPushes {
				t.Fatalf("pushes = %d, want %d", sink.pushes, tt.wantPushes)
			}
			if len(clock.sleeps) != tt.cancelAt {
				t.Fatalf("sleeps = %v, loop continued after cancellation", clock.sleeps)
			}
			if tt.renderer.opens != tt.renderer.closes {
				t.Fatalf("opens=%d closes=%d, session leaked", tt.renderer.opens, tt.renderer.closes)
			}
			if st := s.Status(); st.State != model.StateStopped {
				t.Fatalf("state = %s, want stopped", st.State)
			}
		})
	}
}

func TestRunQuietHoursSkipUpdate(t *testing.T) {
	cfg := testConfig()
	cfg.QuietHours.Enabled = true
	r := &fakeRenderer{}
	clock := &fakeClock{now: time.Date(2024, 3, 12, 23, 30, 0, 0, time.UTC)}
	s := newTestScheduler(t, cfg, r, &fakeSink{}, clock)

	runUntilCanceled(t, s, clock, 2)

	if r.opens != 0 {
		t.Fatalf("opens = %d, want 0 during quiet hours", r.opens)
	}
	// 23:30:05 until 06:00:00.
	want := []time.Duration{5 * time.Second, 6*time.Hour + 29*time.Minute + 55*time.Second}
	if !equalDurations(clock.sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", clock.sleeps, want)
	}
}

func TestRunQuietHoursThenUpdate(t *testing.T) {
	cfg := testConfig()
	cfg.QuietHours.Enabled = true
	r := &fakeRenderer{}
	sink := &fakeSink{}
	clock := &fakeClock{now: time.Date(2024, 3, 13, 5, 59, 0, 0, time.UTC)}
	s := newTestScheduler(t, cfg, r, sink, clock)

	// initial, quiet wait, initial, settle, interval.
	runUntilCanceled(t, s, clock, 5)

	if sink.pushes != 1 {
		t.Fatalf("pushes = %d, want 1 after the quiet window", sink.pushes)
	}
	if got := clock.sleeps[1]; got != 55*time.Second {
		t.Fatalf("quiet wait = %s, want 55s", got)
	}
}

func TestRunFaultIsCountedAndDelayed(t *testing.T) {
	sink := &fakeSink{panicOnPush: true}
	clock := &fakeClock{now: noon()}
	s := newTestScheduler(t, testConfig(), &fakeRenderer{}, sink, clock)

	runUntilCanceled(t, s, clock, 3)

	if got := s.ConsecutiveFailures(); got != 1 {
		t.Fatalf("consecutiveFailures = %d, want 1", got)
	}
	want := []time.Duration{5 * time.Second, 5 * time.Second, 30 * time.Second}
	if !equalDurations(clock.sleeps, want) {
		t.Fatalf("sleeps = %v, want %v (base retry delay after fault)", clock.sleeps, want)
	}
	if st := s.Status(); st.LastError == "" {
		t.Fatal("fault should be recorded in status")
	}
}

func TestRunRepeatedFaultsEscalate(t *testing.T) {
	sink := &fakeSink{panicOnPush: true}
	clock := &fakeClock{now: noon()}
	s := newTestScheduler(t, testConfig(), &fakeRenderer{}, sink, clock)

	// Each faulted cycle sleeps initial delay, settle delay and the base
	// retry delay. The tenth is followed by the extended wait, and the
	// 32nd sleep is the initial delay of cycle eleven.
	runUntilCanceled(t, s, clock, 32)

	if sink.pushes != 10 {
		t.Fatalf("pushes = %d, want 10", sink.pushes)
	}
	if got := s.ConsecutiveFailures(); got != 0 {
		t.Fatalf("consecutiveFailures = %d, want 0 after escalation", got)
	}

	extended := 0
	for i, d := range clock.sleeps {
		if d == 2*time.Hour {
			extended++
			if i != 30 {
				t.Fatalf("extended wait at sleep %d, want 30", i)
			}
		}
	}
	if extended != 1 {
		t.Fatalf("extended waits = %d, want 1 (sleeps=%v)", extended, clock.sleeps)
	}
}

func TestRunOnceRendererPanicIsRetried(t *testing.T) {
	r := &fakeRenderer{panicOnOpen: true}
	sink := &fakeSink{}
	clock := &fakeClock{now: noon()}
	s := newTestScheduler(t, testConfig(), r, sink, clock)

	err := s.RunOnce(context.Background())
	if got := OutcomeOf(err); got != OutcomeCaptureFailed {
		t.Fatalf("outcome = %s, want capture_failed (err=%v)", got, err)
	}
	if r.opens != 5 {
		t.Fatalf("opens = %d, want 5", r.opens)
	}
	if sink.pushes != 0 {
		t.Fatalf("pushes = %d, want 0", sink.pushes)
	}
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}
	if !equalDurations(clock.sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", clock.sleeps, want)
	}
}

func TestRunUsesCronRefresh(t *testing.T) {
	cfg := testConfig()
	cfg.Refresh = "0 */4 * * *"
	clock := &fakeClock{now: time.Date(2024, 3, 12, 13, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, cfg, &fakeRenderer{}, &fakeSink{}, clock)

	runUntilCanceled(t, s, clock, 3)

	// 13:00:10 until the 16:00 tick.
	if got, want := clock.sleeps[2], 2*time.Hour+59*time.Minute+50*time.Second; got != want {
		t.Fatalf("wait = %s, want %s", got, want)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(testConfig(), nil, &fakeSink{}); err == nil {
		t.Fatal("expected error without renderer")
	}

	cfg := testConfig()
	cfg.Refresh = "not a cron"
	if _, err := New(cfg, &fakeRenderer{}, &fakeSink{}); err == nil {
		t.Fatal("expected error for invalid refresh schedule")
	}

	cfg = testConfig()
	cfg.MaxRetries = 0
	if _, err := New(cfg, &fakeRenderer{}, &fakeSink{}); err == nil {
		t.Fatal("expected error for zero retries")
	}

	cfg = testConfig()
	cfg.ExtendedInterval = 0
	s, err := New(cfg, &fakeRenderer{}, &fakeSink{})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	if s.cfg.ExtendedInterval != 2*time.Hour {
		t.Fatalf("ExtendedInterval = %s, want half of 4h", s.cfg.ExtendedInterval)
	}
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeSuccess},
		{&CycleError{Outcome: OutcomePushFailed, Err: errors.New("x")}, OutcomePushFailed},
		{context.Canceled, OutcomeCanceled},
		{errors.New("weird"), OutcomeFault},
	}
	for _, tt := range tests {
		if got := OutcomeOf(tt.err); got != tt.want {
			t.Errorf("OutcomeOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
