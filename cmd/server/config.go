package main

import (
	"flag"
	"fmt"

	"github.com/matst80/remotecam/internal/config"
)

// flags holds command-line values. Only flags the user actually set
// override the YAML file.
type flags struct {
	ConfigPath   string
	Listen       string
	MetricsAddr  string
	Camera       string
	SerialPort   string
	RedisAddr    string
	MQTTBroker   string
	IndicatorPin int
	MockGPIO     bool
	Debug        bool
}

func registerFlags(fs *flag.FlagSet) *flags {
	f := &flags{}
	fs.StringVar(&f.ConfigPath, "config", "", "path to YAML config file (optional)")
	fs.StringVar(&f.Listen, "listen", ":4711", "TCP command listen address")
	fs.StringVar(&f.MetricsAddr, "metrics", ":9100", "metrics, health, dashboard and preview websocket address (empty disables)")
	fs.StringVar(&f.Camera, "camera", "sim", "capture device: sim, vc0706 or none")
	fs.StringVar(&f.SerialPort, "serial", "", "serial port of the vc0706 camera (e.g. /dev/ttyUSB0)")
	fs.StringVar(&f.RedisAddr, "redis", "", "redis address for shared capture stats (empty = in-memory)")
	fs.StringVar(&f.MQTTBroker, "mqtt", "", "MQTT broker URL for remote triggers and events (empty disables)")
	fs.IntVar(&f.IndicatorPin, "led-pin", 0, "BCM pin of the busy LED (0 disables)")
	fs.BoolVar(&f.MockGPIO, "mock-gpio", false, "log GPIO writes instead of driving pins")
	fs.BoolVar(&f.Debug, "debug", false, "enable debug logs")
	return f
}

// loadConfig parses args, loads the optional file and applies explicitly
// set flags on top.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	f := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "listen":
			cfg.Server.Listen = f.Listen
		case "metrics":
			cfg.Server.MetricsAddr = f.MetricsAddr
		case "camera":
			cfg.Camera.Type = f.Camera
		case "serial":
			cfg.Camera.SerialPort = f.SerialPort
		case "redis":
			cfg.Redis.Addr = f.RedisAddr
		case "mqtt":
			cfg.MQTT.Broker = f.MQTTBroker
		case "led-pin":
			cfg.Indicator.Pin = f.IndicatorPin
		case "mock-gpio":
			cfg.Indicator.MockGPIO = f.MockGPIO
		case "debug":
			cfg.Debug = f.Debug
		}
	})
	// the metrics server is on unless a file or flag says otherwise
	if f.ConfigPath == "" && !isSet(fs, "metrics") {
		cfg.Server.MetricsAddr = f.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}
