package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/matst80/remotecam/internal/proto"
)

// errEmpty means the server closed the connection without sending anything,
// e.g. while it is paused, after a failed capture or on teardown.
var errEmpty = errors.New("server closed the connection without a reply")

func main() {
	var cfg Config
	registerFlags(flag.CommandLine, &cfg)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Printf("remotecam client: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	tok, err := cfg.token()
	if err != nil {
		return err
	}
	if cfg.Repeat < 1 {
		cfg.Repeat = 1
	}
	for i := 0; i < cfg.Repeat; i++ {
		if i > 0 && cfg.Every > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Every):
			}
		}
		start := time.Now()
		data, err := request(ctx, cfg.Addr, tok, cfg.Timeout)
		if err != nil {
			return err
		}
		if tok == proto.CmdHandshake {
			if string(data) != proto.HandshakeReply {
				return fmt.Errorf("unexpected handshake reply %q", data)
			}
			log.Printf("server %s is there (%s)", cfg.Addr, time.Since(start).Round(time.Millisecond))
			continue
		}
		dst := outPath(cfg.Out, i, cfg.Repeat)
		if err := writeImage(dst, data); err != nil {
			return err
		}
		if dst != "-" {
			log.Printf("wrote %d bytes to %s in %s", len(data), dst, time.Since(start).Round(time.Millisecond))
		}
	}
	return nil
}

// request sends one command line and reads the reply until the server
// closes the connection.
func request(ctx context.Context, addr, token string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Now()) })
	defer stop()

	if _, err := io.WriteString(c, token+"\n"); err != nil {
		return nil, fmt.Errorf("send %s: %w", token, err)
	}
	data, err := io.ReadAll(c)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for %s: %w", token, ctx.Err())
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmpty
	}
	return data, nil
}

func writeImage(dst string, data []byte) error {
	if dst == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// outPath numbers the output file when more than one image is requested:
// capture.jpg becomes capture-001.jpg, capture-002.jpg and so on.
func outPath(out string, i, total int) string {
	if total == 1 || out == "-" {
		return out
	}
	ext := filepath.Ext(out)
	return fmt.Sprintf("%s-%03d%s", strings.TrimSuffix(out, ext), i+1, ext)
}
