package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iem-alarm/alarmthings/internal/hw/gpio"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 64 << 10

// GPIOConfig selects the GPIO driver and names the pins.
type GPIOConfig struct {
	Driver    string `yaml:"driver"`     // "mock", "rpio" or "periph"
	LedPin    string `yaml:"led_pin"`    // e.g. "BCM2"
	SensorPin string `yaml:"sensor_pin"` // motion sensor input
	BuzzerPin string `yaml:"buzzer_pin"`
}

// BuzzerConfig is the buzzer duty cycle.
type BuzzerConfig struct {
	OnMs  int `yaml:"on_ms"`  // output HIGH duration
	OffMs int `yaml:"off_ms"` // output LOW duration
}

// LedConfig is the LED blink period.
type LedConfig struct {
	PeriodMs int `yaml:"period_ms"` // duration of each half period
}

// DetectorConfig is the motion sensor polling.
type DetectorConfig struct {
	IntervalMs int   `yaml:"interval_ms"`
	Latch      *bool `yaml:"latch"` // one detection per rising edge (default true)
}

// CameraConfig describes the camera backend and the produced stills.
type CameraConfig struct {
	Backend string `yaml:"backend"` // "mock" or "gstreamer"
	Device  string `yaml:"device"`  // device id, empty = first available
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Quality int    `yaml:"quality"` // JPEG quality 1-100
}

// StoreConfig selects the remote store.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "firebase"
	URL     string `yaml:"url"`     // Realtime Database URL for firebase
}

// WebConfig configures the optional local web page.
type WebConfig struct {
	Port              int `yaml:"port"`                // 0 = disabled unless --web is given
	CaptureIntervalMs int `yaml:"capture_interval_ms"` // minimum delay between manual captures
}

// Config aggregates all application configuration.
type Config struct {
	GPIO       GPIOConfig     `yaml:"gpio"`
	Buzzer     BuzzerConfig   `yaml:"buzzer"`
	Led        LedConfig      `yaml:"led"`
	Detector   DetectorConfig `yaml:"detector"`
	Camera     CameraConfig   `yaml:"camera"`
	Store      StoreConfig    `yaml:"store"`
	Web        WebConfig      `yaml:"web"`
	DebugLevel int            `yaml:"debug_level"` // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Default returns the compiled-in configuration: mock hardware, in-memory
// store, and the pin layout and timings of the reference board.
func Default() *Config {
	latch := true
	return &Config{
		GPIO: GPIOConfig{
			Driver:    "mock",
			LedPin:    "BCM2",
			SensorPin: "BCM3",
			BuzzerPin: "BCM4",
		},
		Buzzer:     BuzzerConfig{OnMs: 1000, OffMs: 100},
		Led:        LedConfig{PeriodMs: 1000},
		Detector:   DetectorConfig{IntervalMs: 100, Latch: &latch},
		Camera:     CameraConfig{Backend: "mock", Width: 320, Height: 240, Quality: 85},
		Store:      StoreConfig{Backend: "memory"},
		Web:        WebConfig{CaptureIntervalMs: 2000},
		DebugLevel: 1,
	}
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// configs/ directory and does not climb out of it.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain ..", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Zero or
// missing values keep their default.
func Parse(data []byte) (*Config, error) {
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg := Default()
	cfg.merge(&file)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	setString(&c.GPIO.Driver, o.GPIO.Driver)
	setString(&c.GPIO.LedPin, o.GPIO.LedPin)
	setString(&c.GPIO.SensorPin, o.GPIO.SensorPin)
	setString(&c.GPIO.BuzzerPin, o.GPIO.BuzzerPin)
	setInt(&c.Buzzer.OnMs, o.Buzzer.OnMs)
	setInt(&c.Buzzer.OffMs, o.Buzzer.OffMs)
	setInt(&c.Led.PeriodMs, o.Led.PeriodMs)
	setInt(&c.Detector.IntervalMs, o.Detector.IntervalMs)
	if o.Detector.Latch != nil {
		c.Detector.Latch = o.Detector.Latch
	}
	setString(&c.Camera.Backend, o.Camera.Backend)
	setString(&c.Camera.Device, o.Camera.Device)
	setInt(&c.Camera.Width, o.Camera.Width)
	setInt(&c.Camera.Height, o.Camera.Height)
	setInt(&c.Camera.Quality, o.Camera.Quality)
	setString(&c.Store.Backend, o.Store.Backend)
	setString(&c.Store.URL, o.Store.URL)
	setInt(&c.Web.Port, o.Web.Port)
	setInt(&c.Web.CaptureIntervalMs, o.Web.CaptureIntervalMs)
	setInt(&c.DebugLevel, o.DebugLevel)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	switch c.GPIO.Driver {
	case "mock", "rpio", "periph":
	default:
		return fmt.Errorf("gpio.driver must be mock, rpio or periph, got %q", c.GPIO.Driver)
	}
	pins := []struct{ key, name string }{
		{"gpio.led_pin", c.GPIO.LedPin},
		{"gpio.sensor_pin", c.GPIO.SensorPin},
		{"gpio.buzzer_pin", c.GPIO.BuzzerPin},
	}
	seen := make(map[int]string)
	for _, pin := range pins {
		bcm, err := gpio.BCMNumber(pin.name)
		if err != nil {
			return fmt.Errorf("%s: %w", pin.key, err)
		}
		if other, dup := seen[bcm]; dup {
			return fmt.Errorf("%s and %s use the same pin BCM%d", other, pin.key, bcm)
		}
		seen[bcm] = pin.key
	}
	if c.Buzzer.OnMs < 0 || c.Buzzer.OffMs < 0 {
		return fmt.Errorf("buzzer.on_ms and buzzer.off_ms must be >= 0")
	}
	if c.Led.PeriodMs < 0 {
		return fmt.Errorf("led.period_ms must be >= 0, got %d", c.Led.PeriodMs)
	}
	if c.Detector.IntervalMs <= 0 {
		return fmt.Errorf("detector.interval_ms must be > 0, got %d", c.Detector.IntervalMs)
	}
	switch c.Camera.Backend {
	case "mock", "gstreamer":
	default:
		return fmt.Errorf("camera.backend must be mock or gstreamer, got %q", c.Camera.Backend)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera.width and camera.height must be > 0, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.Quality < 1 || c.Camera.Quality > 100 {
		return fmt.Errorf("camera.quality must be between 1 and 100, got %d", c.Camera.Quality)
	}
	switch c.Store.Backend {
	case "memory":
	case "firebase":
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the firebase backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or firebase, got %q", c.Store.Backend)
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 0-65535, got %d", c.Web.Port)
	}
	if c.DebugLevel < 0 || c.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.DebugLevel)
	}
	return nil
}

// BuzzerOn returns how long the buzzer sounds in each cycle.
func (c *Config) BuzzerOn() time.Duration {
	return time.Duration(c.Buzzer.OnMs) * time.Millisecond
}

// BuzzerOff returns the silence between two buzzer pulses.
func (c *Config) BuzzerOff() time.Duration {
	return time.Duration(c.Buzzer.OffMs) * time.Millisecond
}

// LedPeriod returns the LED half period.
func (c *Config) LedPeriod() time.Duration {
	return time.Duration(c.Led.PeriodMs) * time.Millisecond
}

// DetectorInterval returns the delay before each sensor read.
func (c *Config) DetectorInterval() time.Duration {
	return time.Duration(c.Detector.IntervalMs) * time.Millisecond
}

// DetectorLatch reports whether detections are limited to rising edges.
func (c *Config) DetectorLatch() bool {
	return c.Detector.Latch == nil || *c.Detector.Latch
}

// CaptureInterval returns the minimum delay between manual captures.
func (c *Config) CaptureInterval() time.Duration {
	return time.Duration(c.Web.CaptureIntervalMs) * time.Millisecond
}
