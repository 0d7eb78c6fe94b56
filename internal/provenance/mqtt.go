package provenance

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"framestore/internal/logging"
	"framestore/internal/storage"
)

// DefaultMQTTPrefix is the topic prefix when none is configured. Documents
// go to <prefix>/<source>/<kind>.
const DefaultMQTTPrefix = "framestore/docs"

const mqttTimeout = 10 * time.Second

// Publisher is the subset of mqtt.Client used by MQTTSink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes one message per document.
type MQTTSink struct {
	client Publisher
	prefix string
	qos    byte
	logger *slog.Logger
}

func NewMQTTSink(client Publisher, prefix string, qos byte, logger *slog.Logger) *MQTTSink {
	return &MQTTSink{
		client: client,
		prefix: prefix,
		qos:    qos,
		logger: logging.Default(logger).With("component", "provenance", "type", "mqtt"),
	}
}

// NewMQTTFactory returns a factory for mqtt sinks.
//
// Parameters: broker (URL, required), topic_prefix, qos (0-2, default 1),
// client_id, username, password.
func NewMQTTFactory() DocSinkFactory {
	return func(params map[string]string, logger *slog.Logger) (DocSink, error) {
		broker := params["broker"]
		if broker == "" {
			return nil, fmt.Errorf("invalid broker: required")
		}
		qos := byte(1)
		if v, ok := params["qos"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n > 2 {
				return nil, fmt.Errorf("invalid qos: %q (want 0, 1 or 2)", v)
			}
			qos = byte(n)
		}

		opts := mqtt.NewClientOptions().
			AddBroker(broker).
			SetClientID(cmp.Or(params["client_id"], "framestore-"+uuid.NewString())).
			SetConnectTimeout(mqttTimeout).
			SetAutoReconnect(true)
		if user := params["username"]; user != "" {
			opts.SetUsername(user)
			opts.SetPassword(params["password"])
		}

		client := mqtt.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(mqttTimeout) {
			return nil, fmt.Errorf("mqtt connect to %s: timed out", broker)
		}
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
		}
		return NewMQTTSink(client, cmp.Or(params["topic_prefix"], DefaultMQTTPrefix), qos, logger), nil
	}
}

func (s *MQTTSink) Publish(ctx context.Context, source string, docs []storage.StreamAsset) error {
	for _, doc := range docs {
		payload, err := encode(source, doc)
		if err != nil {
			return err
		}
		topic := s.prefix + "/" + source + "/" + string(doc.Kind)
		token := s.client.Publish(topic, s.qos, false, payload)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	s.logger.Debug("documents published", "source", source, "count", len(docs))
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
