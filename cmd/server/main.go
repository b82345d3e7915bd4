package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/remotecam/internal/capture"
	"github.com/matst80/remotecam/internal/config"
	"github.com/matst80/remotecam/internal/frame"
	"github.com/matst80/remotecam/internal/hw/gpio"
	"github.com/matst80/remotecam/internal/hw/indicator"
	"github.com/matst80/remotecam/internal/mqttbridge"
	"github.com/matst80/remotecam/internal/obs"
	"github.com/matst80/remotecam/internal/preview"
	"github.com/matst80/remotecam/internal/proto"
	"github.com/matst80/remotecam/internal/ratelimit"
	"github.com/matst80/remotecam/internal/registry"
	"github.com/matst80/remotecam/internal/server"
	"github.com/matst80/remotecam/internal/stats"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		obs.Error("config", obs.Fields{"err": err})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := run(cfg); err != nil {
		var be *server.BindError
		if errors.As(err, &be) {
			obs.Error("listen.command", obs.Fields{"err": be.Err, "addr": be.Addr})
		} else {
			obs.Error("server.exit", obs.Fields{"err": err})
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Info("server.start", obs.Fields{"listen": cfg.Server.Listen, "metrics": cfg.Server.MetricsAddr, "camera": cfg.Camera.Type})

	cam, err := newCamera(cfg.Camera)
	if err != nil {
		return err
	}
	store, err := stats.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	var hub *preview.Hub
	frames := frame.NewCache(func(jpeg []byte) { hub.Broadcast(jpeg) })
	hub = preview.NewHub(frames)

	led := newIndicator(cfg.Indicator)
	if led != nil {
		defer led.Close()
	}

	var bridge *mqttbridge.Bridge
	reg := registry.New(obs.WaitingClients)
	coord := capture.New(capture.Config{
		Camera:       cam,
		Params:       cameraParams(cfg.Camera),
		Registry:     reg,
		Frames:       frames,
		WriteTimeout: cfg.DeliveryTimeout(),
		OnState: func(s capture.State) {
			if led != nil {
				led.OnState(s)
			}
		},
		OnEvent: func(ev proto.CaptureEvent) {
			go recordEvent(store, ev)
			if bridge != nil {
				bridge.PublishEvent(ev)
			}
		},
	})
	if cfg.MQTT.Broker != "" {
		bridge = mqttbridge.New(mqttbridge.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, coord)
	}

	limiter := ratelimit.NewConnLimiter(cfg.Server.ConnRateGlobal, cfg.Server.ConnRatePerHost, cfg.Server.ConnBurst)
	srv := server.New(server.Config{
		Addr:         cfg.Server.Listen,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		MaxLineBytes: cfg.Server.MaxLineBytes,
		Limiter:      limiter,
		Coordinator:  coord,
		Registry:     reg,
		Frames:       frames,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("server.shutdown.signal", nil)
		srv.Teardown()
		hub.Close()
		return nil
	})
	if cfg.Server.MetricsAddr != "" {
		h := newHTTPHandler(srv, store, frames, hub)
		g.Go(func() error { return runMetricsServer(gctx, cfg.Server.MetricsAddr, h) })
	}
	if bridge != nil {
		g.Go(func() error {
			if err := bridge.Start(gctx); err != nil {
				obs.Warn("mqtt.start", obs.Fields{"err": err, "broker": cfg.MQTT.Broker})
				return nil
			}
			<-gctx.Done()
			bridge.Stop()
			return nil
		})
	}
	g.Go(func() error {
		runCleanupLoop(gctx, limiter, time.Minute, 10*time.Minute)
		return nil
	})

	obs.Info("server.ready", obs.Fields{"addr": srv.Addr().String()})
	err = g.Wait()
	obs.Info("server.shutdown.complete", nil)
	return err
}

func newIndicator(c config.IndicatorConfig) *indicator.LED {
	if c.Pin == 0 {
		return nil
	}
	drv, err := gpio.NewDriver(c.MockGPIO)
	if err != nil {
		obs.Warn("indicator.disabled", obs.Fields{"err": err})
		return nil
	}
	led, err := indicator.New(drv, c.Pin)
	if err != nil {
		_ = drv.Close()
		obs.Warn("indicator.disabled", obs.Fields{"pin": c.Pin, "err": err})
		return nil
	}
	return led
}

func recordEvent(store stats.Store, ev proto.CaptureEvent) {
	defer obs.Recover("stats.record")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.RecordEvent(ctx, ev); err != nil {
		obs.Warn("stats.record", obs.Fields{"cycle": ev.ID, "err": err})
	}
	obs.Info("capture.event", obs.Fields{"cycle": ev.ID, "status": ev.Status, "clients": ev.Clients, "bytes": ev.Bytes, "duration_ms": ev.Duration().Milliseconds()})
}

func runCleanupLoop(ctx context.Context, limiter *ratelimit.ConnLimiter, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := limiter.CleanupIdle(maxIdle); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}
