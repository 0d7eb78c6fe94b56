package provenance

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"framestore/internal/logging"
	"framestore/internal/storage"
)

// DefaultKafkaTopic receives documents when no topic is configured.
const DefaultKafkaTopic = "framestore.stream-docs"

// Producer is the subset of *kgo.Client used by KafkaSink.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink produces one record per document. The record key is the source
// name, so a source's documents stay ordered within a partition.
type KafkaSink struct {
	producer Producer
	topic    string
	logger   *slog.Logger
}

func NewKafkaSink(producer Producer, topic string, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logging.Default(logger).With("component", "provenance", "type", "kafka"),
	}
}

// NewKafkaFactory returns a factory for kafka sinks.
//
// Parameters: brokers (comma separated, required), topic, tls ("true"),
// sasl_mechanism (plain, scram-sha-256, scram-sha-512), sasl_user,
// sasl_password.
func NewKafkaFactory() DocSinkFactory {
	return func(params map[string]string, logger *slog.Logger) (DocSink, error) {
		brokers := params["brokers"]
		if brokers == "" {
			return nil, fmt.Errorf("invalid brokers: required")
		}
		brokerList := strings.Split(brokers, ",")
		for i := range brokerList {
			brokerList[i] = strings.TrimSpace(brokerList[i])
		}

		opts := []kgo.Opt{
			kgo.SeedBrokers(brokerList...),
			kgo.RequiredAcks(kgo.AllISRAcks()),
		}
		if params["tls"] == "true" {
			opts = append(opts, kgo.DialTLSConfig(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}))
		}
		if mech := params["sasl_mechanism"]; mech != "" {
			m, err := buildSASLMechanism(strings.ToLower(mech), params["sasl_user"], params["sasl_password"])
			if err != nil {
				return nil, err
			}
			opts = append(opts, kgo.SASL(m))
		}

		client, err := kgo.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("kafka client: %w", err)
		}
		return NewKafkaSink(client, cmp.Or(params["topic"], DefaultKafkaTopic), logger), nil
	}
}

func (s *KafkaSink) Publish(ctx context.Context, source string, docs []storage.StreamAsset) error {
	records := make([]*kgo.Record, 0, len(docs))
	for _, doc := range docs {
		value, err := encode(source, doc)
		if err != nil {
			return err
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(source),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "kind", Value: []byte(doc.Kind)},
				{Key: "uid", Value: []byte(doc.UID())},
			},
		})
	}
	if err := s.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	s.logger.Debug("documents produced", "source", source, "count", len(records))
	return nil
}

func (s *KafkaSink) Close() error {
	s.producer.Close()
	return nil
}

func buildSASLMechanism(mechanism, user, password string) (sasl.Mechanism, error) {
	switch mechanism {
	case "plain":
		return plain.Auth{User: user, Pass: password}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{User: user, Pass: password}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{User: user, Pass: password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("invalid sasl_mechanism: %q (supported: plain, scram-sha-256, scram-sha-512)", mechanism)
	}
}
