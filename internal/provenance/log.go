package provenance

import (
	"context"
	"log/slog"

	"framestore/internal/logging"
	"framestore/internal/storage"
)

// LogSink writes each document to the logger at info level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.Default(logger).With("component", "provenance", "type", "log")}
}

// NewLogFactory returns a factory for log sinks. It takes no parameters.
func NewLogFactory() DocSinkFactory {
	return func(_ map[string]string, logger *slog.Logger) (DocSink, error) {
		return NewLogSink(logger), nil
	}
}

func (s *LogSink) Publish(ctx context.Context, source string, docs []storage.StreamAsset) error {
	for _, doc := range docs {
		switch doc.Kind {
		case storage.KindResource:
			s.logger.InfoContext(ctx, "stream resource",
				"source", source, "uid", doc.Resource.UID, "uri", doc.Resource.URI, "mimetype", doc.Resource.Mimetype)
		case storage.KindDatum:
			s.logger.InfoContext(ctx, "stream datum",
				"source", source, "uid", doc.Datum.UID, "indices", doc.Datum.Indices.String())
		}
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
