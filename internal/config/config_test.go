package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/s7"
)

const sample = `
http:
  listen: 127.0.0.1:9090
logging:
  format: JSON
history:
  depth: 50
devices:
  - name: press
    address: 10.0.0.5
    slot: 0
    poll_interval: 250ms
    max_exchanges: 20
  - name: bench
    protocol: ppi
    station: 3
    serial:
      device: /dev/ttyUSB0
channels:
  - name: speed
    device: press
    locator: DB1.DBW2
    writable: true
  - name: temperature
    device: press
    locator: DB1.4:float
  - name: lamp
    device: bench
    locator: Q0.1
publishers:
  redis:
    enabled: true
    address: localhost:6379
    password: secret
    history_length: 100
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Listen)
	assert.Equal(t, 10*time.Second, cfg.HTTP.WriteTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.History.Depth)
	require.Len(t, cfg.Devices, 2)
	require.Len(t, cfg.Channels, 3)

	press := cfg.Devices[0]
	assert.Equal(t, "iso-tcp", press.Protocol)
	require.NotNil(t, press.Slot)
	assert.Equal(t, 0, *press.Slot)
	assert.Equal(t, 250*time.Millisecond, press.PollInterval)
	assert.Equal(t, s7.DefaultTimeout, press.Timeout)
	assert.Equal(t, 20.0, press.MaxExchanges)

	bench := cfg.Devices[1]
	assert.Equal(t, 3, bench.Station)
	assert.Equal(t, DefaultBaudRate, bench.Serial.BaudRate)
	assert.Equal(t, "E", bench.Serial.Parity)
	assert.Equal(t, "187k", bench.Speed)
	assert.Equal(t, DefaultPollInterval, bench.PollInterval)

	assert.True(t, cfg.Channels[0].Writable)
	assert.Equal(t, "s7", cfg.Publishers.Redis.KeyPrefix)
	assert.False(t, cfg.Publishers.MQTT.Enabled)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("S7GW_HTTP_LISTEN", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Listen)
	assert.Equal(t, "press", cfg.Devices[0].Name)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate_FirstErrorWithPath(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no devices", func(c *Config) { c.Devices = nil; c.Channels = nil }, "devices:"},
		{"bad protocol", func(c *Config) { c.Devices[0].Protocol = "fieldbus" }, "devices[0].protocol"},
		{"missing address", func(c *Config) { c.Devices[0].Address = "" }, "devices[0].address"},
		{"missing serial", func(c *Config) { c.Devices[1].Serial.Device = "" }, "devices[1].serial.device"},
		{"duplicate device", func(c *Config) { c.Devices[1].Name = "press" }, "devices[1].name"},
		{"bad slot", func(c *Config) { s := 40; c.Devices[0].Slot = &s }, "devices[0].slot"},
		{"small pdu", func(c *Config) { c.Devices[0].PDUSize = 100 }, "devices[0].pdu_size"},
		{"bad speed", func(c *Config) { c.Devices[1].Speed = "fast" }, "devices[1].speed"},
		{"unknown device", func(c *Config) { c.Channels[2].Device = "robot" }, "channels[2].device"},
		{"bad locator", func(c *Config) { c.Channels[1].Locator = "DB1.4:quad" }, "channels[1].locator"},
		{"duplicate channel", func(c *Config) { c.Channels[1].Name = "speed" }, "channels[1].name"},
		{"slash in name", func(c *Config) { c.Channels[0].Name = "a/b" }, "channels[0].name"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"mqtt without broker", func(c *Config) { c.Publishers.MQTT.Enabled = true }, "publishers.mqtt.broker"},
		{"kafka without brokers", func(c *Config) { c.Publishers.Kafka.Enabled = true }, "publishers.kafka.brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(sample))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNormalize_SingleDeviceBindsChannels(t *testing.T) {
	cfg := &Config{
		HTTP:     HTTPConfig{Listen: ":8080"},
		Logging:  LoggingConfig{Level: "INFO", Format: "text"},
		Devices:  []DeviceConfig{{Name: "plc", Address: "10.0.0.1"}},
		Channels: []ChannelConfig{{Name: "a", Locator: "MW10"}},
	}
	Normalize(cfg)
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "plc", cfg.Channels[0].Device)
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NotNil(t, cfg.Devices[0].Slot)
	assert.Equal(t, s7.DefaultSlot, *cfg.Devices[0].Slot)
}

func TestDeviceConfig_ToDevice(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	press, err := cfg.Devices[0].ToDevice()
	require.NoError(t, err)
	assert.Equal(t, s7.ProtoISOTCP, press.Protocol)
	assert.Equal(t, "10.0.0.5", press.Address)
	assert.Equal(t, 0, press.Slot)
	assert.Equal(t, "10.0.0.5", press.Target())

	bench, err := cfg.Devices[1].ToDevice()
	require.NoError(t, err)
	assert.Equal(t, s7.ProtoPPI, bench.Protocol)
	assert.Equal(t, s7.Speed187k, bench.Speed)
	assert.Equal(t, "/dev/ttyUSB0", bench.Serial.Address)
	assert.Equal(t, 3, bench.Station)
}

func TestConfig_Lookups(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	d, ok := cfg.Device("bench")
	assert.True(t, ok)
	assert.Equal(t, "ppi", d.Protocol)
	_, ok = cfg.Device("nope")
	assert.False(t, ok)

	chs := cfg.ChannelsOf("press")
	require.Len(t, chs, 2)
	assert.Equal(t, "speed", chs[0].Name)
	assert.Equal(t, "temperature", chs[1].Name)
}

func TestDump_OmitsPasswords(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")

	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Contains(t, back, "devices")
}
