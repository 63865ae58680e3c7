package publish

import "github.com/edgeo-scada/s7/internal/config"

// FromConfig creates the enabled sinks.
func FromConfig(cfg config.PublishersConfig, instance string) []Sink {
	var sinks []Sink
	if cfg.MQTT.Enabled {
		sinks = append(sinks, NewMQTTSink(cfg.MQTT, instance))
	}
	if cfg.Redis.Enabled {
		sinks = append(sinks, NewRedisSink(cfg.Redis))
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka, instance))
	}
	return sinks
}

var (
	_ Sink = (*MQTTSink)(nil)
	_ Sink = (*RedisSink)(nil)
	_ Sink = (*KafkaSink)(nil)
)
