package provenance

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/twmb/franz-go/pkg/kgo"

	"framestore/internal/frame"
	"framestore/internal/location"
	"framestore/internal/storage"
	"framestore/internal/storage/memory"
	"framestore/internal/writer"
)

var camShape = frame.Shape{2, 2}

func newWriter(t *testing.T) *writer.Writer {
	t.Helper()
	paths, err := location.NewStorePathProvider("mem://lab", location.Static{Name: "scan000"}, location.StoreOptions{Suffix: ".zarr"})
	if err != nil {
		t.Fatalf("NewStorePathProvider: %v", err)
	}
	w, err := writer.New(writer.Config{Backend: memory.New(memory.Config{}), Paths: paths})
	if err != nil {
		t.Fatalf("writer.New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func startSource(t *testing.T, w *writer.Writer, name string) storage.Sink {
	t.Helper()
	ctx := context.Background()
	if err := w.UpdateSource(ctx, storage.SourceInfo{Name: name, DType: frame.Uint16, Shape: camShape}); err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}
	s, err := w.Prepare(ctx, name, 0)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return s
}

func writeFrames(t *testing.T, s storage.Sink, n int) {
	t.Helper()
	for range n {
		if err := s.Write(context.Background(), frame.Zeros(frame.Uint16, camShape)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
}

type published struct {
	source string
	doc    storage.StreamAsset
}

type recordingSink struct {
	mu     sync.Mutex
	docs   []published
	fail   error
	closed bool
}

func (s *recordingSink) Publish(_ context.Context, source string, docs []storage.StreamAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for _, d := range docs {
		s.docs = append(s.docs, published{source, d})
	}
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *recordingSink) snapshot() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.docs)
}

func newCollector(t *testing.T, proxy storage.Proxy, sink DocSink, interval time.Duration) *Collector {
	t.Helper()
	c, err := NewCollector(CollectorConfig{Proxy: proxy, Sink: sink, Interval: interval})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c
}

func TestCollectorPublishesInOrder(t *testing.T) {
	w := newWriter(t)
	cam := startSource(t, w, "cam0")
	sink := &recordingSink{}
	c := newCollector(t, w, sink, 0)
	c.Track("cam0")
	ctx := context.Background()

	if n, err := c.Flush(ctx); err != nil || n != 0 {
		t.Fatalf("empty flush = %d, %v", n, err)
	}

	writeFrames(t, cam, 3)
	if n, err := c.Flush(ctx); err != nil || n != 2 {
		t.Fatalf("Flush = %d, %v; want 2 documents", n, err)
	}
	writeFrames(t, cam, 2)
	if n, err := c.Flush(ctx); err != nil || n != 1 {
		t.Fatalf("Flush = %d, %v; want 1 document", n, err)
	}

	docs := sink.snapshot()
	if len(docs) != 3 {
		t.Fatalf("published %d documents, want 3", len(docs))
	}
	if docs[0].doc.Kind != storage.KindResource || docs[0].source != "cam0" {
		t.Errorf("first document = %+v, want cam0 resource", docs[0])
	}
	wantRanges := []storage.Range{{Start: 0, Stop: 3}, {Start: 3, Stop: 5}}
	for i, want := range wantRanges {
		got := docs[i+1].doc
		if got.Kind != storage.KindDatum || got.Datum.Indices != want {
			t.Errorf("datum %d = %+v, want indices %v", i, got.Datum, want)
		}
		if got.Datum.StreamResource != docs[0].doc.Resource.UID {
			t.Errorf("datum %d references %q, want %q", i, got.Datum.StreamResource, docs[0].doc.Resource.UID)
		}
	}
	if c.Published() != 3 {
		t.Errorf("Published = %d, want 3", c.Published())
	}
}

func TestCollectorRetainsRejectedDocuments(t *testing.T) {
	w := newWriter(t)
	cam := startSource(t, w, "cam0")
	sink := &recordingSink{fail: errors.New("broker down")}
	c := newCollector(t, w, sink, 0)
	c.Track("cam0")
	ctx := context.Background()

	writeFrames(t, cam, 2)
	if _, err := c.Flush(ctx); err == nil {
		t.Fatal("expected publish failure")
	}
	if c.Pending("cam0") != 2 {
		t.Fatalf("Pending = %d, want 2", c.Pending("cam0"))
	}

	sink.setFail(nil)
	writeFrames(t, cam, 1)
	if n, err := c.Flush(ctx); err != nil || n != 3 {
		t.Fatalf("Flush = %d, %v; want 3", n, err)
	}
	docs := sink.snapshot()
	kinds := []storage.DocKind{docs[0].doc.Kind, docs[1].doc.Kind, docs[2].doc.Kind}
	if !slices.Equal(kinds, []storage.DocKind{storage.KindResource, storage.KindDatum, storage.KindDatum}) {
		t.Errorf("kinds = %v", kinds)
	}
	if docs[2].doc.Datum.Indices != (storage.Range{Start: 2, Stop: 3}) {
		t.Errorf("last datum = %v", docs[2].doc.Datum.Indices)
	}
	if c.Pending("cam0") != 0 {
		t.Errorf("Pending = %d after success", c.Pending("cam0"))
	}
}

func TestCollectorIsolatesSourceFailures(t *testing.T) {
	w := newWriter(t)
	cam := startSource(t, w, "cam0")
	sink := &recordingSink{}
	c := newCollector(t, w, sink, 0)
	c.Track("cam0")
	c.Track("ghost")

	writeFrames(t, cam, 1)
	n, err := c.Flush(context.Background())
	if !errors.Is(err, storage.ErrNotRegistered) {
		t.Errorf("got %v, want ErrNotRegistered", err)
	}
	if n != 2 {
		t.Errorf("published %d, want 2 for cam0", n)
	}

	c.Untrack("ghost")
	if _, err := c.Flush(context.Background()); err != nil {
		t.Errorf("Flush after Untrack: %v", err)
	}
}

func TestCollectorSchedule(t *testing.T) {
	w := newWriter(t)
	cam := startSource(t, w, "cam0")
	sink := &recordingSink{}
	c := newCollector(t, w, sink, 10*time.Millisecond)
	c.Track("cam0")
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeFrames(t, cam, 4)
	deadline := time.Now().Add(5 * time.Second)
	for c.Published() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled flush never published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	writeFrames(t, cam, 1)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// The final flush covers the last frame.
	docs := sink.snapshot()
	last := docs[len(docs)-1].doc
	if last.Kind != storage.KindDatum || last.Datum.Indices.Stop != 5 {
		t.Errorf("last document = %+v, want datum ending at 5", last.Datum)
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrCollectorStopped) {
		t.Errorf("Start after Stop: got %v", err)
	}
}

func TestNewCollectorValidation(t *testing.T) {
	if _, err := NewCollector(CollectorConfig{Sink: &recordingSink{}}); !errors.Is(err, storage.ErrNoStorage) {
		t.Errorf("nil proxy: got %v", err)
	}
	if _, err := NewCollector(CollectorConfig{Proxy: newWriter(t)}); err == nil {
		t.Error("nil sink: expected error")
	}
}

func sampleDocs() []storage.StreamAsset {
	res := storage.ResourceAsset(storage.StreamResource{
		DataKey:    storage.DataKey("cam0"),
		Mimetype:   "application/x-zarr",
		Parameters: map[string]any{"array_name": "cam0"},
		UID:        "res-1",
		URI:        "mem://lab/scan000.zarr",
	})
	datum := storage.DatumAsset(storage.NewDatum("res-1", storage.Range{Start: 0, Stop: 4}))
	return []storage.StreamAsset{res, datum}
}

func TestJSONLSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLSink(&buf)
	if err := s.Publish(context.Background(), "cam0", sampleDocs()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var envs []Envelope
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var env Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		envs = append(envs, env)
	}
	if len(envs) != 2 {
		t.Fatalf("got %d lines, want 2", len(envs))
	}
	if envs[0].Source != "cam0" || envs[0].Kind != storage.KindResource || envs[0].Resource.URI != "mem://lab/scan000.zarr" {
		t.Errorf("resource line = %+v", envs[0])
	}
	if envs[1].Kind != storage.KindDatum || envs[1].Datum.UID != "res-1/0" {
		t.Errorf("datum line = %+v", envs[1])
	}
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if p.err == nil {
			p.records = append(p.records, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func (p *fakeProducer) Close() { p.closed = true }

func TestKafkaSink(t *testing.T) {
	p := &fakeProducer{}
	s := NewKafkaSink(p, "lab.docs", nil)
	if err := s.Publish(context.Background(), "cam0", sampleDocs()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(p.records) != 2 {
		t.Fatalf("produced %d records", len(p.records))
	}
	r := p.records[1]
	if r.Topic != "lab.docs" || string(r.Key) != "cam0" {
		t.Errorf("record topic/key = %q/%q", r.Topic, r.Key)
	}
	if r.Headers[0].Key != "kind" || string(r.Headers[0].Value) != string(storage.KindDatum) {
		t.Errorf("headers = %+v", r.Headers)
	}
	var env Envelope
	if err := json.Unmarshal(r.Value, &env); err != nil || env.Datum == nil {
		t.Errorf("value = %s, %v", r.Value, err)
	}

	p.err = errors.New("not leader")
	if err := s.Publish(context.Background(), "cam0", sampleDocs()); err == nil {
		t.Error("expected produce error")
	}
	_ = s.Close()
	if !p.closed {
		t.Error("producer not closed")
	}
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topics       []string
	qos          []byte
	err          error
	disconnected bool
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, _ any) mqtt.Token {
	p.topics = append(p.topics, topic)
	p.qos = append(p.qos, qos)
	return doneToken(p.err)
}

func (p *fakePublisher) Disconnect(uint) { p.disconnected = true }

func TestMQTTSink(t *testing.T) {
	p := &fakePublisher{}
	s := NewMQTTSink(p, "lab/docs", 2, nil)
	if err := s.Publish(context.Background(), "cam0", sampleDocs()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := []string{"lab/docs/cam0/stream_resource", "lab/docs/cam0/stream_datum"}
	if !slices.Equal(p.topics, want) {
		t.Errorf("topics = %v, want %v", p.topics, want)
	}
	if p.qos[0] != 2 {
		t.Errorf("qos = %d", p.qos[0])
	}

	p.err = errors.New("not connected")
	if err := s.Publish(context.Background(), "cam0", sampleDocs()); err == nil {
		t.Error("expected publish error")
	}
	_ = s.Close()
	if !p.disconnected {
		t.Error("client not disconnected")
	}
}

func TestDocSinksOpen(t *testing.T) {
	sinks := Defaults()
	if got := sinks.Names(); !slices.Equal(got, []string{"jsonl", "kafka", "log", "mqtt"}) {
		t.Errorf("Names = %v", got)
	}

	tests := []struct {
		name   string
		sink   string
		params map[string]string
	}{
		{"unknown", "carrier-pigeon", nil},
		{"jsonl without path", "jsonl", nil},
		{"kafka without brokers", "kafka", nil},
		{"kafka bad sasl", "kafka", map[string]string{"brokers": "localhost:9092", "sasl_mechanism": "gssapi"}},
		{"mqtt without broker", "mqtt", nil},
		{"mqtt bad qos", "mqtt", map[string]string{"broker": "tcp://localhost:1883", "qos": "3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sinks.Open(tt.sink, tt.params, nil); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := sinks.Open("carrier-pigeon", nil, nil); !errors.Is(err, ErrUnknownSink) {
		t.Errorf("got %v, want ErrUnknownSink", err)
	}

	path := t.TempDir() + "/docs/stream.jsonl"
	s, err := sinks.Open("jsonl", map[string]string{ParamPath: path}, nil)
	if err != nil {
		t.Fatalf("Open jsonl: %v", err)
	}
	if err := s.Publish(context.Background(), "cam0", sampleDocs()); err != nil {
		t.Errorf("Publish: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
