// Package remote exposes a storage.Proxy over Connect. The Server wraps any
// proxy, usually a local writer in the storing process; the Client
// implements storage.Proxy for devices in another process or on another
// host, so device code is identical in both deployments.
//
// A client session is one bidirectional stream of the Session procedure,
// served over HTTP/2 (h2c, or h2 over TLS). Requests and responses are
// msgpack messages, strictly one request in flight at a time. The first
// request of every session is a hello carrying an optional token; its
// response carries the store location. Sinks live as long as the stream.
package remote

import (
	"github.com/vmihailenco/msgpack/v5"

	"framestore/internal/frame"
	"framestore/internal/storage"
)

// ProtocolVersion is checked in the hello exchange.
const ProtocolVersion = 2

// SessionProcedure is the Connect procedure carrying client sessions.
const SessionProcedure = "/framestore.remote.v1.StorageService/Session"

// msgpackCodec is the Connect codec for session messages.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// Operation names.
const (
	opHello             = "hello"
	opUpdateSource      = "update_source"
	opPrepare           = "prepare"
	opKickoff           = "kickoff"
	opComplete          = "complete"
	opIndicesWritten    = "indices_written"
	opCollectStreamDocs = "collect_stream_docs"
	opWrite             = "write"
	opCloseSink         = "close_sink"
	opDescribe          = "describe"
	opLocation          = "location"
)

type request struct {
	ID       uint64              `msgpack:"id"`
	Op       string              `msgpack:"op"`
	Version  int                 `msgpack:"version,omitempty"`
	Token    string              `msgpack:"token,omitempty"`
	Name     string              `msgpack:"name,omitempty"`
	Source   *storage.SourceInfo `msgpack:"source,omitempty"`
	Capacity int                 `msgpack:"capacity,omitempty"`
	N        int                 `msgpack:"n,omitempty"`
	Sink     uint64              `msgpack:"sink,omitempty"`
	Frame    *frame.Frame        `msgpack:"frame,omitempty"`
}

type response struct {
	ID          uint64                        `msgpack:"id"`
	Code        string                        `msgpack:"code,omitempty"`
	Message     string                        `msgpack:"message,omitempty"`
	Sink        uint64                        `msgpack:"sink,omitempty"`
	Count       int                           `msgpack:"count,omitempty"`
	Indices     int                           `msgpack:"indices,omitempty"`
	Docs        []storage.StreamAsset         `msgpack:"docs,omitempty"`
	Descriptors map[string]storage.Descriptor `msgpack:"descriptors,omitempty"`
	Location    *storage.PathInfo             `msgpack:"location,omitempty"`
}
