// Package config loads the remotecam YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig covers the TCP command listener and the HTTP side server.
type ServerConfig struct {
	Listen            string `yaml:"listen"`              // TCP command address, default ":4711"
	MetricsAddr       string `yaml:"metrics_addr"`        // HTTP metrics/health/preview address, "" disables
	ReadTimeoutMs     int    `yaml:"read_timeout_ms"`     // wait for the command line
	WriteTimeoutMs    int    `yaml:"write_timeout_ms"`    // handshake and preview replies
	DeliveryTimeoutMs int    `yaml:"delivery_timeout_ms"` // per-client image write
	ConnRateGlobal    int    `yaml:"conn_rate_global"`    // new connections/s overall, 0 = unlimited
	ConnRatePerHost   int    `yaml:"conn_rate_per_host"`  // new connections/s per remote host, 0 = unlimited
	MaxLineBytes      int    `yaml:"max_line_bytes"`      // command line cap, newline included
	ConnBurst         int    `yaml:"conn_burst"`
}

// CameraConfig selects and parameterises the capture device.
// Type is "sim", "vc0706" or "none".
type CameraConfig struct {
	Type        string `yaml:"type"`
	FocusMode   string `yaml:"focus_mode"`
	FlashMode   string `yaml:"flash_mode"`
	JPEGQuality int    `yaml:"jpeg_quality"`
	Rotation    int    `yaml:"rotation"`

	PreviewWidth  int `yaml:"preview_width"`
	PreviewHeight int `yaml:"preview_height"`
	PreviewFPS    int `yaml:"preview_fps"`

	// vc0706
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	Resolution string `yaml:"resolution"`

	// sim
	StillWidth  int  `yaml:"still_width"`
	StillHeight int  `yaml:"still_height"`
	FailFocus   bool `yaml:"fail_focus"`
}

// IndicatorConfig drives a busy LED while a capture is in flight.
type IndicatorConfig struct {
	Pin      int  `yaml:"pin"`       // BCM pin, 0 = disabled
	MockGPIO bool `yaml:"mock_gpio"` // log instead of touching /dev/gpiomem
}

// MQTTConfig is optional; an empty Broker disables the bridge.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. "tcp://localhost:1883"
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// RedisConfig is optional; an empty Addr keeps stats in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config aggregates all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Indicator IndicatorConfig `yaml:"indicator"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Redis     RedisConfig     `yaml:"redis"`
	Debug     bool            `yaml:"debug"`
}

// Default returns the configuration used when no file is given. Camera
// parameters match the Android phone the protocol was written for.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file, fills in defaults and validates the result. An
// empty path yields Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Server
	if s.Listen == "" {
		s.Listen = ":4711"
	}
	if s.ReadTimeoutMs <= 0 {
		s.ReadTimeoutMs = 10000
	}
	if s.WriteTimeoutMs <= 0 {
		s.WriteTimeoutMs = 10000
	}
	if s.MaxLineBytes <= 0 {
		s.MaxLineBytes = 256
	}
	if s.DeliveryTimeoutMs <= 0 {
		s.DeliveryTimeoutMs = 30000
	}
	if s.ConnBurst <= 0 {
		s.ConnBurst = 5
	}

	cam := &c.Camera
	if cam.Type == "" {
		cam.Type = "sim"
	}
	if cam.FocusMode == "" {
		cam.FocusMode = "auto"
	}
	if cam.FlashMode == "" {
		cam.FlashMode = "on"
	}
	if cam.JPEGQuality == 0 {
		cam.JPEGQuality = 85
	}
	if cam.Rotation == 0 {
		cam.Rotation = 270
	}
	if cam.PreviewWidth == 0 {
		cam.PreviewWidth = 320
	}
	if cam.PreviewHeight == 0 {
		cam.PreviewHeight = 240
	}
	if cam.PreviewFPS == 0 {
		cam.PreviewFPS = 10
	}
	if cam.BaudRate == 0 {
		cam.BaudRate = 38400
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "remotecam"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "remotecam"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Camera.Type {
	case "sim", "none":
	case "vc0706":
		if c.Camera.SerialPort == "" {
			return fmt.Errorf("camera.serial_port is required for type vc0706")
		}
	default:
		return fmt.Errorf("camera.type must be sim, vc0706 or none, got %q", c.Camera.Type)
	}
	if q := c.Camera.JPEGQuality; q < 1 || q > 100 {
		return fmt.Errorf("camera.jpeg_quality must be between 1 and 100, got %d", q)
	}
	switch c.Camera.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("camera.rotation must be 0, 90, 180 or 270, got %d", c.Camera.Rotation)
	}
	if c.Camera.PreviewWidth%2 != 0 || c.Camera.PreviewHeight%2 != 0 || c.Camera.PreviewWidth < 0 || c.Camera.PreviewHeight < 0 {
		return fmt.Errorf("camera preview size must be positive and even, got %dx%d", c.Camera.PreviewWidth, c.Camera.PreviewHeight)
	}
	if c.Camera.PreviewFPS < 1 || c.Camera.PreviewFPS > 60 {
		return fmt.Errorf("camera.preview_fps must be between 1 and 60, got %d", c.Camera.PreviewFPS)
	}
	if c.Server.ConnRateGlobal < 0 || c.Server.ConnRatePerHost < 0 {
		return fmt.Errorf("server connection rates must be >= 0")
	}
	if c.Indicator.Pin < 0 || c.Indicator.Pin > 27 {
		return fmt.Errorf("indicator.pin must be a BCM pin 0-27, got %d", c.Indicator.Pin)
	}
	return nil
}

// ReadTimeout returns the command read deadline.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutMs) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutMs) * time.Millisecond
}

func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.Server.DeliveryTimeoutMs) * time.Millisecond
}
