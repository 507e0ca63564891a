// Package epd pushes dashboard screenshots to the e-ink panel.
//
// On linux/arm and linux/arm64 the panel is a Pimoroni Inky Impression
// driven through periph.io. Everywhere else, or when simulation is
// requested, the sink only makes sure the image on disk has the panel's
// resolution.
package epd

import (
	"context"
	"errors"
	"fmt"
	"image"

	"inkdash/internal/config"
	"inkdash/internal/convert"
	appLog "inkdash/internal/log"
)

// ErrUnsupportedPlatform is returned when the panel driver is not compiled
// into this binary.
var ErrUnsupportedPlatform = errors.New("epd: panel hardware is not supported on this platform")

// Panel is the subset of a periph display.Drawer the sink needs.
type Panel interface {
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// Sink resizes screenshots to the panel resolution and draws them.
type Sink struct {
	width  int
	height int
	panel  Panel
}

// NewSink returns a sink drawing to panel. A nil panel means simulation.
func NewSink(panel Panel) *Sink {
	return &Sink{
		width:  convert.PanelWidth,
		height: convert.PanelHeight,
		panel:  panel,
	}
}

// Open initializes the panel described by cfg. When cfg.Simulate is set,
// or the binary has no panel driver, a simulating sink is returned.
func Open(cfg config.DisplayConfig) (*Sink, error) {
	if cfg.Simulate {
		appLog.Info("display simulation enabled; panel will not be touched")
		return NewSink(nil), nil
	}

	panel, err := openPanel(cfg)
	if err != nil {
		if errors.Is(err, ErrUnsupportedPlatform) {
			appLog.Info("not running on a Raspberry Pi - display updates will be simulated")
			return NewSink(nil), nil
		}
		return nil, err
	}

	appLog.Info("display initialized", "spi", cfg.SPIPort, "dc", cfg.DCPin, "reset", cfg.ResetPin, "busy", cfg.BusyPin)
	return NewSink(panel), nil
}

// Simulated reports whether the sink has no real panel attached.
func (s *Sink) Simulated() bool {
	return s.panel == nil
}

// Push loads the image at imagePath, resizes it to the panel resolution if
// needed (rewriting the file) and draws it on the panel.
func (s *Sink) Push(ctx context.Context, imagePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	img, resized, err := convert.EnsureSize(imagePath, s.width, s.height)
	if err != nil {
		return fmt.Errorf("epd: %w", err)
	}
	if resized {
		appLog.Debug("image resized to panel resolution", "path", imagePath, "width", s.width, "height", s.height)
	}

	if s.panel == nil {
		appLog.Info("display update simulated", "path", imagePath, "width", s.width, "height", s.height)
		return nil
	}

	appLog.Debug("starting display update")
	full := image.Rect(0, 0, s.width, s.height)
	if err := s.panel.Draw(full, img, image.Point{}); err != nil {
		return fmt.Errorf("epd: failed to update display: %w", err)
	}
	appLog.Debug("display update completed")
	return nil
}
