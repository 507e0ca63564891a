package battery

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"inkdash/internal/config"
	appLog "inkdash/internal/log"
)

// PiSugar3 register map.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

// Status represents current battery status for the status API and logs.
type Status struct {
	// Percent is the battery level in 0–100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts, if known.
	VoltageMv int `json:"voltage_mv"`
}

// Reader abstracts how we obtain battery information, so development
// machines can use a mock while the Pi talks to a PiSugar3 over I2C.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// mockReader returns a pseudo-random percentage and no voltage.
type mockReader struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// i2cReader talks to a PiSugar3 battery controller over I2C.
type i2cReader struct {
	busName string
	addr    uint16
}

// NewMockReader constructs a mock Reader that generates random percentages.
func NewMockReader() Reader {
	seed := uint64(time.Now().UnixNano())
	return &mockReader{
		rnd: rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

// NewI2CReader constructs an I2C-backed Reader. busName "" selects the
// default bus (/dev/i2c-1 on a Raspberry Pi). Nothing is opened until Read.
func NewI2CReader(busName string, addr uint16) Reader {
	return &i2cReader{
		busName: busName,
		addr:    addr,
	}
}

func (m *mockReader) Read(_ context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// 20..100 inclusive.
	return Status{
		Percent:   20 + m.rnd.IntN(81),
		VoltageMv: 0,
	}, nil
}

// Read implements Reader for the I2C-backed reader.
func (r *i2cReader) Read(ctx context.Context) (Status, error) {
	if runtime.GOOS != "linux" {
		return Status{}, errors.New("battery: i2c reader unavailable on this platform")
	}
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	if _, err := host.Init(); err != nil {
		return Status{}, err
	}

	bus, err := i2creg.Open(r.busName)
	if err != nil {
		return Status{}, err
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: r.addr}

	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, err
		}
		return buf[0], nil
	}

	high, err := readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(regPercent)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Percent:   clampPercent(pct),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}

func clampPercent(p byte) int {
	if p > 100 {
		return 100
	}
	return int(p)
}

// FromConfig returns the Reader the application should use, or nil when
// battery monitoring is disabled or no gauge answers.
//
// Non-linux hosts get the mock so the status API can be exercised during
// development. On linux an I2C read is tried once; without a PiSugar the
// gauge is reported as unavailable rather than faked.
func FromConfig(ctx context.Context, cfg config.BatteryConfig) Reader {
	if !cfg.Enabled {
		return nil
	}
	if runtime.GOOS != "linux" {
		appLog.Warn("battery gauge unavailable on this platform; using simulated readings", "os", runtime.GOOS)
		return NewMockReader()
	}

	r := NewI2CReader(cfg.Bus, cfg.Addr)
	if _, err := r.Read(ctx); err != nil {
		appLog.Warn("battery gauge not responding; battery monitoring disabled",
			"bus", cfg.Bus,
			"addr", cfg.Addr,
			"err", err,
		)
		return nil
	}
	return r
}
