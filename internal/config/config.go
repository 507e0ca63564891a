package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// Defaults for the update loop. They mirror what the appliance has always
// done: refresh every four hours, back off to two hours after ten failed
// cycles in a row, stay dark from 22:00 to 06:00.
const (
	DefaultDashboardURL       = "http://localhost:3000"
	DefaultScreenshotPath     = "/var/lib/inkdash/dashboard.png"
	DefaultWidth              = 800
	DefaultHeight             = 480
	DefaultInitialDelay       = 5 * time.Second
	DefaultUpdateInterval     = 4 * time.Hour
	DefaultNavigationTimeout  = 30 * time.Second
	DefaultSettleDelay        = 5 * time.Second
	DefaultBaseRetryDelay     = 30 * time.Second
	DefaultMaxRetryDelay      = 600 * time.Second
	DefaultMaxRetries         = 5
	DefaultMaxConsecutiveFail = 10
	DefaultQuietStart         = 22
	DefaultQuietEnd           = 6
)

// QuietHoursConfig describes the local-time window in which the display is
// left alone. Start and End are whole hours; Start > End wraps midnight.
type QuietHoursConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Start   int  `yaml:"start" json:"start"`
	End     int  `yaml:"end" json:"end"`
}

// ScheduleConfig holds all timing knobs of the update loop.
type ScheduleConfig struct {
	InitialDelay   time.Duration `yaml:"initial_delay" json:"initial_delay"`
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval"`
	// ExtendedInterval is the wait after too many consecutive failures.
	// Zero means half of UpdateInterval.
	ExtendedInterval time.Duration `yaml:"extended_interval" json:"extended_interval"`

	// Refresh is an optional 5-field cron expression (e.g. "0 */4 * * *").
	// When set, the regular wait lasts until the next tick instead of
	// UpdateInterval.
	Refresh string `yaml:"refresh" json:"refresh"`

	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
}

// CaptureConfig configures the headless browser screenshot.
type CaptureConfig struct {
	DashboardURL      string        `yaml:"dashboard_url" json:"dashboard_url"`
	ScreenshotPath    string        `yaml:"screenshot_path" json:"screenshot_path"`
	Width             int           `yaml:"width" json:"width"`
	Height            int           `yaml:"height" json:"height"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout" json:"navigation_timeout"`
	SettleDelay       time.Duration `yaml:"settle_delay" json:"settle_delay"`

	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay" json:"base_retry_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`

	// ChromePath overrides the Chromium binary lookup.
	ChromePath string `yaml:"chrome_path,omitempty" json:"chrome_path,omitempty"`
	// NoSandbox passes --no-sandbox to Chromium (needed when running as root).
	NoSandbox bool `yaml:"no_sandbox" json:"no_sandbox"`
}

// DisplayConfig describes the Inky Impression wiring.
type DisplayConfig struct {
	// Simulate skips the panel entirely and only validates the image.
	Simulate bool   `yaml:"simulate" json:"simulate"`
	SPIPort  string `yaml:"spi_port" json:"spi_port"`
	DCPin    string `yaml:"dc_pin" json:"dc_pin"`
	ResetPin string `yaml:"reset_pin" json:"reset_pin"`
	BusyPin  string `yaml:"busy_pin" json:"busy_pin"`
}

// BatteryConfig enables the optional PiSugar battery gauge.
type BatteryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Bus     string `yaml:"bus" json:"bus"`
	Addr    uint16 `yaml:"addr" json:"addr"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the status server address. Empty disables the server.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for quiet hours. Empty means local time.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Schedule   ScheduleConfig   `yaml:"schedule" json:"schedule"`
	QuietHours QuietHoursConfig `yaml:"quiet_hours" json:"quiet_hours"`
	Capture    CaptureConfig    `yaml:"capture" json:"capture"`
	Display    DisplayConfig    `yaml:"display" json:"display"`
	Battery    BatteryConfig    `yaml:"battery" json:"battery"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// status endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "",
		Timezone: "",
		LogLevel: "info",
		Schedule: ScheduleConfig{
			InitialDelay:           DefaultInitialDelay,
			UpdateInterval:         DefaultUpdateInterval,
			ExtendedInterval:       DefaultUpdateInterval / 2,
			MaxConsecutiveFailures: DefaultMaxConsecutiveFail,
		},
		QuietHours: QuietHoursConfig{
			Enabled: true,
			Start:   DefaultQuietStart,
			End:     DefaultQuietEnd,
		},
		Capture: CaptureConfig{
			DashboardURL:      DefaultDashboardURL,
			ScreenshotPath:    DefaultScreenshotPath,
			Width:             DefaultWidth,
			Height:            DefaultHeight,
			NavigationTimeout: DefaultNavigationTimeout,
			SettleDelay:       DefaultSettleDelay,
			MaxRetries:        DefaultMaxRetries,
			BaseRetryDelay:    DefaultBaseRetryDelay,
			MaxRetryDelay:     DefaultMaxRetryDelay,
		},
		Display: DisplayConfig{
			SPIPort:  "SPI0.0",
			DCPin:    "GPIO27",
			ResetPin: "GPIO17",
			BusyPin:  "GPIO24",
		},
		Battery: BatteryConfig{
			Enabled: false,
			Addr:    0x57,
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}

	s := &c.Schedule
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.Schedule.InitialDelay
	}
	if s.UpdateInterval <= 0 {
		s.UpdateInterval = d.Schedule.UpdateInterval
	}
	if s.ExtendedInterval <= 0 {
		s.ExtendedInterval = s.UpdateInterval / 2
	}
	if s.MaxConsecutiveFailures <= 0 {
		s.MaxConsecutiveFailures = d.Schedule.MaxConsecutiveFailures
	}

	cp := &c.Capture
	if cp.DashboardURL == "" {
		cp.DashboardURL = d.Capture.DashboardURL
	}
	if cp.ScreenshotPath == "" {
		cp.ScreenshotPath = d.Capture.ScreenshotPath
	}
	if cp.Width <= 0 {
		cp.Width = d.Capture.Width
	}
	if cp.Height <= 0 {
		cp.Height = d.Capture.Height
	}
	if cp.NavigationTimeout <= 0 {
		cp.NavigationTimeout = d.Capture.NavigationTimeout
	}
	if cp.SettleDelay < 0 {
		cp.SettleDelay = 0
	}
	if cp.MaxRetries <= 0 {
		cp.MaxRetries = d.Capture.MaxRetries
	}
	if cp.BaseRetryDelay <= 0 {
		cp.BaseRetryDelay = d.Capture.BaseRetryDelay
	}
	if cp.MaxRetryDelay <= 0 {
		cp.MaxRetryDelay = d.Capture.MaxRetryDelay
	}

	dp := &c.Display
	if dp.SPIPort == "" {
		dp.SPIPort = d.Display.SPIPort
	}
	if dp.DCPin == "" {
		dp.DCPin = d.Display.DCPin
	}
	if dp.ResetPin == "" {
		dp.ResetPin = d.Display.ResetPin
	}
	if dp.BusyPin == "" {
		dp.BusyPin = d.Display.BusyPin
	}

	if c.Battery.Addr == 0 {
		c.Battery.Addr = d.Battery.Addr
	}
}

// Validate reports values that Normalize cannot repair.
func (c *Config) Validate() error {
	q := c.QuietHours
	if q.Start < 0 || q.Start > 23 {
		return fmt.Errorf("config: quiet_hours.start must be in 0..23, got %d", q.Start)
	}
	if q.End < 0 || q.End > 23 {
		return fmt.Errorf("config: quiet_hours.end must be in 0..23, got %d", q.End)
	}
	if c.Capture.MaxRetryDelay < c.Capture.BaseRetryDelay {
		return fmt.Errorf("config: capture.max_retry_delay (%s) is below base_retry_delay (%s)",
			c.Capture.MaxRetryDelay, c.Capture.BaseRetryDelay)
	}
	if c.Schedule.Refresh != "" {
		if _, err := cron.ParseStandard(c.Schedule.Refresh); err != nil {
			return fmt.Errorf("config: invalid schedule.refresh %q: %w", c.Schedule.Refresh, err)
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Start from defaults so that omitted booleans (quiet_hours.enabled)
	// keep their default value.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return WriteFileAtomic(path, data, 0o600)
}

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".inkdash-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
