//go:build !(linux && (arm || arm64))

package epd

import "inkdash/internal/config"

// openPanel always fails off the Pi; Open falls back to simulation.
func openPanel(config.DisplayConfig) (Panel, error) {
	return nil, ErrUnsupportedPlatform
}
