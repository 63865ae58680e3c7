package config

import (
	"fmt"
	"strings"

	"github.com/edgeo-scada/s7"
)

// Validate checks configuration correctness and returns the first problem
// found, prefixed with the path of the offending field. It does not mutate
// cfg.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return fmt.Errorf("http.listen: required")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: must be text or json, got %q", cfg.Logging.Format)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.History.Depth < 0 {
		return fmt.Errorf("history.depth: must be >= 0")
	}

	if len(cfg.Devices) == 0 {
		return fmt.Errorf("devices: at least one device is required")
	}
	devices := make(map[string]bool, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if err := validateDevice(d); err != nil {
			return fmt.Errorf("devices[%d].%w", i, err)
		}
		if devices[d.Name] {
			return fmt.Errorf("devices[%d].name: duplicate device %q", i, d.Name)
		}
		devices[d.Name] = true
	}

	channels := make(map[string]bool, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name: required", i)
		}
		if strings.ContainsAny(ch.Name, "/ ") {
			return fmt.Errorf("channels[%d].name: %q must not contain '/' or spaces", i, ch.Name)
		}
		if channels[ch.Name] {
			return fmt.Errorf("channels[%d].name: duplicate channel %q", i, ch.Name)
		}
		channels[ch.Name] = true
		if !devices[ch.Device] {
			return fmt.Errorf("channels[%d].device: unknown device %q", i, ch.Device)
		}
		if _, err := s7.ParseLocator(ch.Locator); err != nil {
			return fmt.Errorf("channels[%d].locator: %w", i, err)
		}
	}

	return validatePublishers(cfg.Publishers)
}

func validateDevice(d DeviceConfig) error {
	if d.Name == "" {
		return fmt.Errorf("name: required")
	}
	proto, err := s7.ParseProtocol(d.Protocol)
	if err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	switch proto {
	case s7.ProtoISOTCP, s7.ProtoISOTCP243:
		if d.Address == "" {
			return fmt.Errorf("address: required for %s", proto)
		}
	case s7.ProtoUserTransport:
		return fmt.Errorf("protocol: %s cannot be configured from a file", proto)
	default:
		if d.Serial.Device == "" {
			return fmt.Errorf("serial.device: required for %s", proto)
		}
		switch d.Serial.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("serial.parity: must be N, E or O")
		}
	}
	if d.Speed != "" {
		if _, err := s7.ParseSpeed(d.Speed); err != nil {
			return fmt.Errorf("speed: %w", err)
		}
	}
	if d.Debug != "" {
		if _, err := s7.ParseDebug(d.Debug); err != nil {
			return fmt.Errorf("debug: %w", err)
		}
	}
	if d.Rack < 0 || d.Rack > 7 {
		return fmt.Errorf("rack: must be 0..7")
	}
	if d.Slot != nil && (*d.Slot < 0 || *d.Slot > 31) {
		return fmt.Errorf("slot: must be 0..31")
	}
	if d.Station < 0 || d.Station > 126 {
		return fmt.Errorf("station: must be 0..126")
	}
	if d.PDUSize != 0 && d.PDUSize < s7.MinPDUSize {
		return fmt.Errorf("pdu_size: must be at least %d", s7.MinPDUSize)
	}
	if d.PollInterval <= 0 {
		return fmt.Errorf("poll_interval: must be > 0")
	}
	if d.MaxExchanges < 0 {
		return fmt.Errorf("max_exchanges: must be >= 0")
	}
	return nil
}

func validatePublishers(p PublishersConfig) error {
	if p.MQTT.Enabled {
		if p.MQTT.Broker == "" {
			return fmt.Errorf("publishers.mqtt.broker: required")
		}
		if p.MQTT.QoS > 2 {
			return fmt.Errorf("publishers.mqtt.qos: must be 0, 1 or 2")
		}
	}
	if p.Redis.Enabled {
		if p.Redis.Address == "" {
			return fmt.Errorf("publishers.redis.address: required")
		}
		if p.Redis.HistoryLength < 0 {
			return fmt.Errorf("publishers.redis.history_length: must be >= 0")
		}
	}
	if p.Kafka.Enabled {
		if len(p.Kafka.Brokers) == 0 {
			return fmt.Errorf("publishers.kafka.brokers: at least one broker is required")
		}
		if p.Kafka.Topic == "" {
			return fmt.Errorf("publishers.kafka.topic: required")
		}
	}
	return nil
}
