// Package config loads the gateway configuration: the controllers to poll,
// the named channels read from them and the publishers that receive changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/device"
)

// EnvPrefix prefixes environment overrides, e.g. S7GW_HTTP_LISTEN.
const EnvPrefix = "S7GW"

type Config struct {
	// Instance identifies this gateway towards brokers. Empty means a
	// generated id.
	Instance string `mapstructure:"instance" yaml:"instance,omitempty"`

	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	History    HistoryConfig    `mapstructure:"history" yaml:"history"`
	Devices    []DeviceConfig   `mapstructure:"devices" yaml:"devices"`
	Channels   []ChannelConfig  `mapstructure:"channels" yaml:"channels"`
	Publishers PublishersConfig `mapstructure:"publishers" yaml:"publishers"`
}

type HTTPConfig struct {
	Listen       string        `mapstructure:"listen" yaml:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

type HistoryConfig struct {
	// Depth is the number of records kept per channel.
	Depth int `mapstructure:"depth" yaml:"depth"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Name     string       `mapstructure:"name" yaml:"name"`
	Protocol string       `mapstructure:"protocol" yaml:"protocol"`
	Address  string       `mapstructure:"address" yaml:"address,omitempty"`
	Serial   SerialConfig `mapstructure:"serial" yaml:"serial,omitempty"`

	LocalAddress int    `mapstructure:"local_address" yaml:"local_address"`
	Speed        string `mapstructure:"speed" yaml:"speed,omitempty"`
	Station      int    `mapstructure:"station" yaml:"station"`
	Rack         int    `mapstructure:"rack" yaml:"rack"`
	// Slot is a pointer because slot 0 is valid and differs from the default.
	Slot    *int `mapstructure:"slot" yaml:"slot"`
	PDUSize int  `mapstructure:"pdu_size" yaml:"pdu_size,omitempty"`

	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// MaxExchanges caps request/response exchanges per second. Zero is
	// unlimited.
	MaxExchanges float64 `mapstructure:"max_exchanges" yaml:"max_exchanges,omitempty"`

	Debug string `mapstructure:"debug" yaml:"debug,omitempty"`
}

type SerialConfig struct {
	Device   string `mapstructure:"device" yaml:"device,omitempty"`
	BaudRate int    `mapstructure:"baud_rate" yaml:"baud_rate,omitempty"`
	DataBits int    `mapstructure:"data_bits" yaml:"data_bits,omitempty"`
	StopBits int    `mapstructure:"stop_bits" yaml:"stop_bits,omitempty"`
	Parity   string `mapstructure:"parity" yaml:"parity,omitempty"`
}

// ---- CHANNEL ----

type ChannelConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Device   string `mapstructure:"device" yaml:"device"`
	Locator  string `mapstructure:"locator" yaml:"locator"`
	Writable bool   `mapstructure:"writable" yaml:"writable"`
}

// ---- PUBLISHERS ----

type PublishersConfig struct {
	MQTT  MQTTConfig  `mapstructure:"mqtt" yaml:"mqtt"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker,omitempty"` // tcp://host:1883
	ClientID string `mapstructure:"client_id" yaml:"client_id,omitempty"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"-"`
	Topic    string `mapstructure:"topic" yaml:"topic,omitempty"`
	QoS      byte   `mapstructure:"qos" yaml:"qos"`
	Retain   bool   `mapstructure:"retain" yaml:"retain"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Address   string `mapstructure:"address" yaml:"address,omitempty"`
	Password  string `mapstructure:"password" yaml:"-"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
	// HistoryLength trims the per-channel history list. Zero keeps no list.
	HistoryLength int `mapstructure:"history_length" yaml:"history_length"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers,omitempty"`
	Topic   string   `mapstructure:"topic" yaml:"topic,omitempty"`
}

// Load reads the configuration file at path, applies S7GW_ environment
// overrides, then normalizes and validates the result. An empty path
// looks for s7gateway.yaml in the working directory and /etc/s7gateway.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/s7gateway")
		v.SetConfigName("s7gateway")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	Normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML bytes without touching the file system or the
// environment. The result is normalized and validated.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	Normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("history.depth", 1000)

	v.SetDefault("publishers.mqtt.topic", "s7")
	v.SetDefault("publishers.redis.key_prefix", "s7")
	v.SetDefault("publishers.kafka.topic", "s7-values")
}

// Dump renders the effective configuration as YAML. Passwords are omitted.
func (c *Config) Dump() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Device returns the device named name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// ChannelsOf returns the channels bound to the named device, in file order.
func (c *Config) ChannelsOf(name string) []ChannelConfig {
	var out []ChannelConfig
	for _, ch := range c.Channels {
		if ch.Device == name {
			out = append(out, ch)
		}
	}
	return out
}

// ToDevice converts a validated device entry into a link description.
func (d DeviceConfig) ToDevice() (device.Config, error) {
	proto, err := s7.ParseProtocol(d.Protocol)
	if err != nil {
		return device.Config{}, err
	}
	dc := device.Config{
		Name:     d.Name,
		Protocol: proto,
		Address:  d.Address,
		Serial: s7.SerialConfig{
			Address:  d.Serial.Device,
			BaudRate: d.Serial.BaudRate,
			DataBits: d.Serial.DataBits,
			StopBits: d.Serial.StopBits,
			Parity:   d.Serial.Parity,
		},
		LocalAddress: d.LocalAddress,
		Station:      d.Station,
		Rack:         d.Rack,
		Slot:         s7.DefaultSlot,
		PDUSize:      d.PDUSize,
		Timeout:      d.Timeout,
	}
	if d.Slot != nil {
		dc.Slot = *d.Slot
	}
	if d.Speed != "" {
		if dc.Speed, err = s7.ParseSpeed(d.Speed); err != nil {
			return device.Config{}, err
		}
	}
	if d.Debug != "" {
		if dc.Debug, err = s7.ParseDebug(d.Debug); err != nil {
			return device.Config{}, err
		}
	}
	return dc, nil
}
