package scheduler

import (
	"context"
	"fmt"

	appLog "inkdash/internal/log"
	"inkdash/internal/model"
)

// captureScreenshot tries up to MaxRetries times to render the dashboard
// into targetPath, sleeping with jittered backoff between attempts. It
// returns ctx.Err() as soon as ctx is done.
func (s *Scheduler) captureScreenshot(ctx context.Context, targetPath string) error {
	var lastErr error

	for s.state.attempt = 0; s.state.attempt < s.cfg.MaxRetries; s.state.attempt++ {
		attempt := s.state.attempt
		s.updateStatus(func(st *model.Status) {
			st.State = model.StateCapturing
			st.Attempt = attempt
		})

		err := s.captureAttempt(ctx, targetPath)
		if err == nil {
			appLog.Debug("screenshot captured", "path", targetPath, "attempt", attempt+1)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		appLog.Error("screenshot attempt failed", err,
			"attempt", attempt+1,
			"max_retries", s.cfg.MaxRetries,
		)

		if attempt+1 < s.cfg.MaxRetries {
			delay := s.backoff.Delay(attempt)
			appLog.Info("retrying screenshot", "in", delay)
			if err := s.sleep(ctx, delay, model.StateCapturing); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("screenshot failed after %d attempts: %w", s.cfg.MaxRetries, lastErr)
}

// captureAttempt runs one isolated renderer session. The session is closed
// on every path out of this function, and a panic becomes the attempt's
// error so the remaining attempts still run.
func (s *Scheduler) captureAttempt(ctx context.Context, targetPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("renderer panic: %v", r)
		}
	}()

	sess, err := s.renderer.Open(ctx)
	if err != nil {
		return fmt.Errorf("open renderer: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			appLog.Error("failed to close renderer session", cerr)
		}
	}()

	if err := sess.Goto(ctx, s.cfg.DashboardURL, s.cfg.NavigationTimeout); err != nil {
		return err
	}

	// Let slow widgets (weather) finish rendering.
	if err := s.clock.Sleep(ctx, s.cfg.SettleDelay); err != nil {
		return err
	}

	return sess.Screenshot(ctx, targetPath)
}
