package ingest

import (
	"fmt"
	"strings"
	"time"

	"dogwalk-tracking/internal/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const mqttQoS = 1

// MQTTSource subscribes to the walkers' location topic and feeds every
// publish through the adapter. Topic layout: walks/location/{sessionID}.
type MQTTSource struct {
	client  mqtt.Client
	adapter *Adapter
	topic   string
	log     zerolog.Logger
}

func NewMQTTSource(cfg config.Config, adapter *Adapter, log zerolog.Logger) *MQTTSource {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBrokerURL).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(60 * time.Second)

	return &MQTTSource{
		client:  mqtt.NewClient(opts),
		adapter: adapter,
		topic:   cfg.MQTTLocationTopic,
		log:     log,
	}
}

// Connect dials the broker and subscribes. Per-message failures are
// dropped and counted inside the adapter; they never tear the
// subscription down.
func (m *MQTTSource) Connect() error {
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}

	token := m.client.Subscribe(m.topic, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		src := topicSource{topic: msg.Topic()}
		if _, err := m.adapter.Ingest(msg.Payload(), src); err != nil {
			m.log.Debug().Err(err).Str("topic", msg.Topic()).Msg("mqtt point rejected")
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", m.topic, token.Error())
	}

	m.log.Info().Str("topic", m.topic).Msg("mqtt ingestion subscribed")
	return nil
}

func (m *MQTTSource) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

type topicSource struct {
	topic string
}

func (topicSource) Transport() string { return "mqtt" }

func (s topicSource) SessionHint() string {
	return sessionFromTopic(s.topic)
}

// sessionFromTopic extracts the trailing segment of walks/location/{id}.
func sessionFromTopic(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}
