// Package provenance publishes stream documents. A Collector periodically
// asks a storage proxy for the documents covering newly written frames of
// the sources it tracks and hands them to a DocSink: the log, a JSON-lines
// file, a Kafka topic or an MQTT broker.
package provenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"framestore/internal/storage"
)

var ErrUnknownSink = errors.New("unknown document sink")

// DocSink publishes the documents of one source, in order.
type DocSink interface {
	Publish(ctx context.Context, source string, docs []storage.StreamAsset) error
	Close() error
}

// DocSinkFactory builds a sink from string parameters.
type DocSinkFactory func(params map[string]string, logger *slog.Logger) (DocSink, error)

// DocSinks maps sink names to factories.
type DocSinks map[string]DocSinkFactory

// Open builds the named sink.
func (s DocSinks) Open(name string, params map[string]string, logger *slog.Logger) (DocSink, error) {
	factory, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownSink, name, s.Names())
	}
	sink, err := factory(params, logger)
	if err != nil {
		return nil, fmt.Errorf("document sink %q: %w", name, err)
	}
	return sink, nil
}

// Names returns the registered sink names in sorted order.
func (s DocSinks) Names() []string {
	return slices.Sorted(maps.Keys(s))
}

// Defaults returns every built-in sink.
func Defaults() DocSinks {
	return DocSinks{
		"log":   NewLogFactory(),
		"jsonl": NewJSONLFactory(),
		"kafka": NewKafkaFactory(),
		"mqtt":  NewMQTTFactory(),
	}
}

// Envelope is the serialised form of a published document.
type Envelope struct {
	Source string `json:"source"`
	storage.StreamAsset
}

func encode(source string, doc storage.StreamAsset) ([]byte, error) {
	return json.Marshal(Envelope{Source: source, StreamAsset: doc})
}
