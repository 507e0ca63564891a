//go:build linux && (arm || arm64)

package epd

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/inky"
	"periph.io/x/host/v3"

	"inkdash/internal/config"
	"inkdash/internal/convert"
)

// openPanel brings up the 7.3" Inky Impression on the configured SPI port
// and BCM pins.
func openPanel(cfg config.DisplayConfig) (Panel, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port %s: %w", cfg.SPIPort, err)
	}

	dc, err := pinByName(cfg.DCPin)
	if err != nil {
		port.Close()
		return nil, err
	}
	reset, err := pinByName(cfg.ResetPin)
	if err != nil {
		port.Close()
		return nil, err
	}
	busy, err := pinByName(cfg.BusyPin)
	if err != nil {
		port.Close()
		return nil, err
	}

	opts := &inky.Opts{
		Model:       inky.IMPRESSION73,
		ModelColor:  inky.Multi,
		BorderColor: inky.White,
		Width:       convert.PanelWidth,
		Height:      convert.PanelHeight,
	}

	dev, err := inky.NewImpression(port, dc, reset, busy, opts)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("epd: failed to initialize display: %w", err)
	}
	return dev, nil
}

func pinByName(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("epd: gpio %s not found", name)
	}
	return p, nil
}
