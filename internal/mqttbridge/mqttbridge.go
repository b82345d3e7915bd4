// Package mqttbridge lets an MQTT broker trigger captures and receive
// capture events.
//
// Topics, under a configurable prefix:
//
//	<prefix>/trigger  subscribed; any payload triggers a capture
//	<prefix>/events   JSON proto.CaptureEvent per finished cycle
//	<prefix>/status   retained "online"/"offline", "offline" is the last will
//
// Images still go to the TCP clients waiting in the registry; MQTT only
// starts the cycle.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/matst80/remotecam/internal/capture"
	"github.com/matst80/remotecam/internal/obs"
	"github.com/matst80/remotecam/internal/proto"
)

const (
	DefaultTopicPrefix = "remotecam"

	StatusOnline  = "online"
	StatusOffline = "offline"

	publishTimeout = 10 * time.Second
)

// Trigger starts a capture. *capture.Coordinator satisfies it.
type Trigger interface {
	TriggerCapture() error
}

// publisher is the part of paho.Client used after connecting.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type subscriber interface {
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Config holds the configuration for the bridge.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://localhost:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	Password string
	// ClientID is the MQTT client identifier.
	ClientID string
	// TopicPrefix defaults to "remotecam".
	TopicPrefix string
}

type Bridge struct {
	cfg     Config
	trigger Trigger

	mu     sync.RWMutex
	client paho.Client
	pub    publisher
}

func New(cfg Config, trigger Trigger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "remotecam"
	}
	return &Bridge{cfg: cfg, trigger: trigger}
}

func (b *Bridge) TriggerTopic() string { return b.cfg.TopicPrefix + "/trigger" }
func (b *Bridge) EventsTopic() string  { return b.cfg.TopicPrefix + "/events" }
func (b *Bridge) StatusTopic() string  { return b.cfg.TopicPrefix + "/status" }

// Start connects to the broker. The connection is retried in the background
// by paho; Start returns once the first attempt succeeds or ctx expires.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.Broker == "" {
		return errors.New("mqtt: broker URL is required")
	}
	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetWill(b.StatusTopic(), StatusOffline, 1, true).
		SetOnConnectHandler(b.onConnected).
		SetConnectionLostHandler(b.onConnectionLost)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
	}
	if b.cfg.Password != "" {
		opts.SetPassword(b.cfg.Password)
	}

	client := paho.NewClient(opts)
	b.mu.Lock()
	b.client = client
	b.pub = client
	b.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt: connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connecting to broker: %w", err)
	}
	return nil
}

// Stop publishes the offline status and disconnects.
func (b *Bridge) Stop() {
	b.mu.Lock()
	client := b.client
	b.client, b.pub = nil, nil
	b.mu.Unlock()
	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Publish(b.StatusTopic(), 1, true, StatusOffline).WaitTimeout(time.Second)
	}
	client.Disconnect(1000)
	obs.Info("mqtt.stopped", nil)
}

// PublishEvent is a capture.Config.OnEvent hook. Publishing happens off the
// caller's goroutine.
func (b *Bridge) PublishEvent(ev proto.CaptureEvent) {
	go func() {
		defer obs.Recover("mqtt.publish")
		if err := b.publishEvent(ev); err != nil {
			obs.Warn("mqtt.publish_event", obs.Fields{"cycle": ev.ID, "err": err})
		}
	}()
}

func (b *Bridge) publishEvent(ev proto.CaptureEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.publish(b.EventsTopic(), 0, false, payload)
}

func (b *Bridge) publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.RLock()
	pub := b.pub
	b.mu.RUnlock()
	if pub == nil {
		return errors.New("mqtt: not connected")
	}
	token := pub.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("mqtt: publish timeout")
	}
	return token.Error()
}

func (b *Bridge) handleTrigger(_ paho.Client, msg paho.Message) {
	defer obs.Recover("mqtt.trigger")
	err := b.trigger.TriggerCapture()
	switch {
	case err == nil:
		obs.Info("mqtt.trigger", obs.Fields{"topic": msg.Topic()})
	case errors.Is(err, capture.ErrBusy):
		obs.Info("mqtt.trigger.busy", obs.Fields{"topic": msg.Topic()})
	default:
		obs.Warn("mqtt.trigger", obs.Fields{"topic": msg.Topic(), "err": err})
	}
}

func (b *Bridge) onConnected(c paho.Client) {
	if err := b.subscribeTrigger(c); err != nil {
		obs.ErrorsTotal.WithLabelValues("mqtt_subscribe").Inc()
		obs.Error("mqtt.subscribe", obs.Fields{"topic": b.TriggerTopic(), "err": err})
	}
	if err := b.publish(b.StatusTopic(), 1, true, []byte(StatusOnline)); err != nil {
		obs.Warn("mqtt.status", obs.Fields{"err": err})
	}
	obs.Info("mqtt.connected", obs.Fields{"broker": b.cfg.Broker, "trigger": b.TriggerTopic()})
}

func (b *Bridge) subscribeTrigger(s subscriber) error {
	token := s.Subscribe(b.TriggerTopic(), 1, b.handleTrigger)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("mqtt: subscribe timeout")
	}
	return token.Error()
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	obs.Error("mqtt.connection_lost", obs.Fields{"err": err})
}
