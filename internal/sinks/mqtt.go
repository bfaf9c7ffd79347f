// Package sinks implements concrete publish.Hub subscribers: MQTT and local YAML
// snapshot writers.
package sinks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikef5410/solarcore/internal/aggregator"
	"github.com/mikef5410/solarcore/internal/keys"
	"github.com/mikef5410/solarcore/internal/publish"
)

// MQTTSink publishes each Snapshot as a single flat JSON document to one topic, the
// simplest way to drive eclipse/paho.mqtt.golang as a publish.Hub subscriber.
type MQTTSink struct {
	Client   mqtt.Client
	Topic    string
	QoS      byte
	Logger   *slog.Logger
}

func (s *MQTTSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// NewMQTTClient builds and connects a paho client against brokerURL (e.g. "tcp://host:1883").
func NewMQTTClient(brokerURL, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, context.DeadlineExceeded
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

type snapshotDoc struct {
	ServerTimestampMsUTC int64                               `json:"server_timestamp_ms_utc"`
	SnapshotVersion      uint64                               `json:"snapshot_version"`
	PluginStatus         map[string]aggregator.PluginStatus  `json:"plugin_connection_status"`
	Values               map[keys.StandardKey]interface{}    `json:"values"`
}

func toDoc(snap aggregator.Snapshot) snapshotDoc {
	values := make(map[keys.StandardKey]interface{}, len(snap.Values))
	for k, v := range snap.Values {
		if n, ok := v.AsNumber(); ok {
			values[k] = n
			continue
		}
		if t, ok := v.AsText(); ok {
			values[k] = t
			continue
		}
		if b, ok := v.AsBool(); ok {
			values[k] = b
			continue
		}
		if m, ok := v.AsMapping(); ok {
			values[k] = m
			continue
		}
		if l, ok := v.AsNumList(); ok {
			values[k] = l
		}
	}
	return snapshotDoc{
		ServerTimestampMsUTC: snap.TakenAt.UnixMilli(),
		SnapshotVersion:      snap.Version,
		PluginStatus:         snap.PluginStatus,
		Values:               values,
	}
}

// Run subscribes to hub and publishes every coalesced Snapshot until ctx is cancelled.
func (s *MQTTSink) Run(ctx context.Context, hub *publish.Hub, filter publish.Filter) {
	ch := hub.Subscribe(ctx, filter)
	for snap := range ch {
		payload, err := json.Marshal(toDoc(snap))
		if err != nil {
			s.logger().Error("marshal snapshot for mqtt publish", "err", err)
			continue
		}
		token := s.Client.Publish(s.Topic, s.QoS, false, payload)
		if !token.WaitTimeout(5 * time.Second) {
			s.logger().Warn("mqtt publish timed out", "topic", s.Topic)
			continue
		}
		if err := token.Error(); err != nil {
			s.logger().Error("mqtt publish failed", "topic", s.Topic, "err", err)
		}
	}
}
