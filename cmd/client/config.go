package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/matst80/remotecam/internal/proto"
)

// Config holds client runtime configuration.
type Config struct {
	Addr    string
	Command string // ping, take or preview
	Out     string // image destination, "-" for stdout
	Timeout time.Duration
	Repeat  int
	Every   time.Duration
}

func registerFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Addr, "addr", "127.0.0.1:4711", "remotecam server address")
	fs.StringVar(&cfg.Command, "cmd", "take", "command to send: ping, take or preview")
	fs.StringVar(&cfg.Out, "out", "capture.jpg", "where to write the image; \"-\" writes to stdout")
	fs.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "overall deadline per request")
	fs.IntVar(&cfg.Repeat, "repeat", 1, "number of requests to send")
	fs.DurationVar(&cfg.Every, "every", 0, "pause between repeated requests")
}

// token maps the -cmd flag to the wire token.
func (c Config) token() (string, error) {
	switch c.Command {
	case "ping", "handshake":
		return proto.CmdHandshake, nil
	case "take", "picture":
		return proto.CmdTakePicture, nil
	case "preview":
		return proto.CmdPreview, nil
	}
	return "", fmt.Errorf("unknown command %q", c.Command)
}
