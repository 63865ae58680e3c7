package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgeo-scada/s7/internal/config"
)

// MQTTSink publishes each record to <topic>/<device>/<channel>.
type MQTTSink struct {
	cfg       config.MQTTConfig
	clientID  string
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	mu     sync.RWMutex
	client pahomqtt.Client
}

// NewMQTTSink creates an MQTT sink. An empty client id in cfg falls back
// to the gateway instance id.
func NewMQTTSink(cfg config.MQTTConfig, instance string) *MQTTSink {
	id := cfg.ClientID
	if id == "" {
		id = instance
	}
	return &MQTTSink{cfg: cfg, clientID: id, newClient: pahomqtt.NewClient}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic a message is published to.
func (s *MQTTSink) Topic(msg Message) string {
	return joinKey("/", s.cfg.Topic, msg.Device, msg.Channel)
}

func (s *MQTTSink) Start(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.clientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := s.newClient(opts)
	if err := wait(ctx, client.Connect(), 10*time.Second); err != nil {
		// stop the background connect retries
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *MQTTSink) Publish(ctx context.Context, msg Message) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("mqtt: not started")
	}

	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return wait(ctx, client.Publish(s.Topic(msg), s.cfg.QoS, s.cfg.Retain, payload), 5*time.Second)
}

func (s *MQTTSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	return nil
}

// wait blocks until the token completes, ctx ends or d elapses.
func wait(ctx context.Context, token pahomqtt.Token, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", d)
	}
}
