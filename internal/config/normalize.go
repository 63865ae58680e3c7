package config

import (
	"strings"
	"time"

	"github.com/edgeo-scada/s7"
)

// Default device timings.
const (
	DefaultPollInterval = time.Second
	DefaultBaudRate     = 9600
)

// Normalize fills per-entry defaults that viper cannot express for list
// elements and canonicalizes names. It must run before Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		d.Name = strings.TrimSpace(d.Name)
		d.Protocol = strings.ToLower(strings.TrimSpace(d.Protocol))
		if d.Protocol == "" {
			d.Protocol = s7.ProtoISOTCP.String()
		}
		if d.Station == 0 {
			d.Station = s7.DefaultStation
		}
		if d.Slot == nil {
			slot := s7.DefaultSlot
			d.Slot = &slot
		}
		if d.Timeout <= 0 {
			d.Timeout = s7.DefaultTimeout
		}
		if d.PollInterval <= 0 {
			d.PollInterval = DefaultPollInterval
		}

		// serial framing only matters for the bus protocols
		if d.Serial.Device != "" {
			if d.Serial.BaudRate == 0 {
				d.Serial.BaudRate = DefaultBaudRate
			}
			if d.Serial.DataBits == 0 {
				d.Serial.DataBits = 8
			}
			if d.Serial.StopBits == 0 {
				d.Serial.StopBits = 1
			}
			if d.Serial.Parity == "" {
				d.Serial.Parity = "E"
			}
			d.Serial.Parity = strings.ToUpper(d.Serial.Parity)
			if d.Speed == "" {
				d.Speed = s7.Speed187k.String()
			}
		}
	}

	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		ch.Name = strings.TrimSpace(ch.Name)
		ch.Device = strings.TrimSpace(ch.Device)
		ch.Locator = strings.TrimSpace(ch.Locator)
	}

	// a single device makes the device field optional
	if len(cfg.Devices) == 1 {
		for i := range cfg.Channels {
			if cfg.Channels[i].Device == "" {
				cfg.Channels[i].Device = cfg.Devices[0].Name
			}
		}
	}
}
