package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"inkdash/internal/config"
)

// Default capture parameters for the dashboard page. They match the panel
// resolution of the 7.3" Inky Impression.
const (
	DefaultWidth      = 800
	DefaultHeight     = 480
	DefaultTimeoutSec = 30
)

// ErrNavigationTimeout is returned by Goto when the page did not finish
// loading in time.
var ErrNavigationTimeout = errors.New("capture: navigation timed out")

// Options configures how Chromium is launched.
type Options struct {
	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used.
	Width  int
	Height int

	// ExecPath overrides the Chromium binary. Empty lets chromedp search
	// the usual locations.
	ExecPath string

	// NoSandbox disables the Chromium sandbox (required as root).
	NoSandbox bool
}

// Renderer launches one headless Chromium per session.
type Renderer struct {
	opts Options
}

// NewRenderer constructs a Renderer, applying defaults for zero fields.
func NewRenderer(opts Options) *Renderer {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	return &Renderer{opts: opts}
}

// Session is a single browser process with one tab. It must be closed.
type Session struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// Open starts a fresh browser and tab with the configured viewport. A new
// browser per session keeps a crashed or wedged Chromium from leaking into
// the next attempt.
func (r *Renderer) Open(parentCtx context.Context) (*Session, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.DisableGPU,
		chromedp.WindowSize(r.opts.Width, r.opts.Height),
		chromedp.Flag("hide-scrollbars", true),
	)
	if r.opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if r.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(r.opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parentCtx, allocOpts...)
	ctx, cancelTab := chromedp.NewContext(allocCtx)

	s := &Session{ctx: ctx, cancelTab: cancelTab, cancelAlloc: cancelAlloc}

	// The first Run starts the browser. It must use the session context
	// itself: cancelling the context of the first Run closes the browser.
	if err := chromedp.Run(ctx, chromedp.EmulateViewport(int64(r.opts.Width), int64(r.opts.Height))); err != nil {
		s.Close()
		return nil, fmt.Errorf("capture: failed to start browser: %w", err)
	}
	return s, nil
}

// Goto navigates to url and waits for the load event, bounded by timeout.
// ctx cancellation aborts the navigation as well.
func (s *Session) Goto(ctx context.Context, url string, timeout time.Duration) error {
	if url == "" {
		return fmt.Errorf("capture: URL is required")
	}
	if timeout <= 0 {
		timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}

	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, chromedp.Navigate(url))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %s", ErrNavigationTimeout, timeout, url)
	default:
		return fmt.Errorf("capture: navigate %s: %w", url, err)
	}
}

// Screenshot captures the current viewport as PNG and atomically replaces
// path with it, so readers never see a partial file.
func (s *Session) Screenshot(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("capture: OutputPath is required")
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var png []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&png)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("capture: screenshot failed: %w", err)
	}

	if err := config.WriteFileAtomic(path, png, 0o644); err != nil {
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}
	return nil
}

// Close shuts down the tab and the browser process. Safe to call twice.
func (s *Session) Close() error {
	if s.cancelTab != nil {
		s.cancelTab()
		s.cancelTab = nil
	}
	if s.cancelAlloc != nil {
		s.cancelAlloc()
		s.cancelAlloc = nil
	}
	return nil
}
