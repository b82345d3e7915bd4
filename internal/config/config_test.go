package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remotecam.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":4711" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Server.MaxLineBytes != 256 {
		t.Errorf("max_line_bytes = %d", cfg.Server.MaxLineBytes)
	}
	c := cfg.Camera
	if c.Type != "sim" || c.FocusMode != "auto" || c.FlashMode != "on" || c.JPEGQuality != 85 || c.Rotation != 270 {
		t.Errorf("camera defaults %+v", c)
	}
	if c.PreviewWidth != 320 || c.PreviewHeight != 240 || c.PreviewFPS != 10 {
		t.Errorf("preview defaults %dx%d@%d", c.PreviewWidth, c.PreviewHeight, c.PreviewFPS)
	}
	if cfg.ReadTimeout() != 10*time.Second || cfg.DeliveryTimeout() != 30*time.Second {
		t.Errorf("timeouts %v %v", cfg.ReadTimeout(), cfg.DeliveryTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:5000"
  read_timeout_ms: 250
camera:
  type: vc0706
  serial_port: /dev/ttyUSB0
  jpeg_quality: 60
mqtt:
  broker: tcp://broker:1883
redis:
  addr: localhost:6379
  db: 2
debug: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:5000" || cfg.ReadTimeout() != 250*time.Millisecond {
		t.Errorf("server %+v", cfg.Server)
	}
	if cfg.Camera.Type != "vc0706" || cfg.Camera.JPEGQuality != 60 || cfg.Camera.BaudRate != 38400 {
		t.Errorf("camera %+v", cfg.Camera)
	}
	if cfg.MQTT.TopicPrefix != "remotecam" || cfg.Redis.DB != 2 || !cfg.Debug {
		t.Errorf("mqtt/redis/debug %+v %+v %v", cfg.MQTT, cfg.Redis, cfg.Debug)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"unknown camera":    "camera:\n  type: webcam\n",
		"vc0706 no port":    "camera:\n  type: vc0706\n",
		"quality too high":  "camera:\n  jpeg_quality: 101\n",
		"bad rotation":      "camera:\n  rotation: 45\n",
		"odd preview":       "camera:\n  preview_width: 321\n",
		"negative rate":     "server:\n  conn_rate_per_host: -1\n",
		"indicator pin":     "indicator:\n  pin: 40\n",
		"preview fps range": "camera:\n  preview_fps: 120\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read config file") {
		t.Errorf("missing file err = %v", err)
	}
	if _, err := Load(writeConfig(t, "server: [unterminated")); err == nil || !strings.Contains(err.Error(), "unmarshal yaml") {
		t.Errorf("bad yaml err = %v", err)
	}
}
