package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"

	"framestore/internal/frame"
	"framestore/internal/logging"
	"framestore/internal/storage"
)

// Default timeouts of a Client.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultCallTimeout = 60 * time.Second
)

// ClientConfig configures Dial.
type ClientConfig struct {
	// Addr is the server's host:port. Required.
	Addr string

	// Token is presented in the hello request when the server requires one.
	Token string

	// TLS, if set, is used to dial the server. Otherwise the client speaks
	// h2c.
	TLS *tls.Config

	// GRPC selects the gRPC protocol instead of the Connect protocol. The
	// server accepts both.
	GRPC bool

	// Compression, if set, compresses requests with CompressionGzip or
	// CompressionBrotli. The server answers in kind.
	Compression string

	// DialTimeout bounds connecting and the hello exchange.
	DialTimeout time.Duration

	// CallTimeout bounds each request whose context has no deadline.
	CallTimeout time.Duration

	// Logger for structured logging. If nil, logging is disabled.
	// The client scopes this logger with component="remote-client".
	Logger *slog.Logger
}

// Client is a storage.Proxy backed by a remote Server.
//
// Requests are serialised over one session stream. A transport failure or
// an expired call breaks the client: every later call returns an error
// wrapping storage.ErrBackendIO, matching the local writer's fail-stop
// behaviour.
type Client struct {
	cfg       ClientConfig
	transport *http2.Transport
	stream    *connect.BidiStreamForClient[request, response]
	abort     context.CancelFunc

	mu     sync.Mutex
	nextID uint64
	broken error

	location storage.PathInfo
	logger   *slog.Logger
}

var (
	_ storage.Proxy     = (*Client)(nil)
	_ storage.Describer = (*Client)(nil)
	_ storage.Locator   = (*Client)(nil)
)

func newTransport(cfg ClientConfig) *http2.Transport {
	if cfg.TLS != nil {
		return &http2.Transport{TLSClientConfig: cfg.TLS}
	}
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// Dial opens a session with a server and performs the hello exchange.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("remote client: address is required")
	}
	if err := checkCompression(cfg.Compression); err != nil {
		return nil, err
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	scheme := "http"
	if cfg.TLS != nil {
		scheme = "https"
	}
	opts := []connect.ClientOption{
		connect.WithCodec(msgpackCodec{}),
		withBrotliClient(),
		connect.WithCompressMinBytes(compressMinBytes),
	}
	if cfg.GRPC {
		opts = append(opts, connect.WithGRPC())
	}
	if cfg.Compression != "" {
		opts = append(opts, connect.WithSendCompression(cfg.Compression))
	}
	transport := newTransport(cfg)
	rpc := connect.NewClient[request, response](
		&http.Client{Transport: transport},
		scheme+"://"+cfg.Addr+SessionProcedure,
		opts...,
	)

	// The session outlives ctx; it ends with Close or a broken call.
	streamCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	c := &Client{
		cfg:       cfg,
		transport: transport,
		stream:    rpc.CallBidiStream(streamCtx),
		abort:     abort,
		logger:    logging.Default(cfg.Logger).With("component", "remote-client", "addr", cfg.Addr),
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	resp, err := c.call(dialCtx, request{Op: opHello, Version: ProtocolVersion, Token: cfg.Token})
	if err != nil {
		c.shutdown()
		return nil, err
	}
	if resp.Location != nil {
		c.location = *resp.Location
	}
	c.logger.Debug("connected", "store", c.location.StoreURI, "grpc", cfg.GRPC, "compression", cfg.Compression)
	return c, nil
}

// Close ends the session. The server closes any sinks this client left
// open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = storage.ErrClosed
	}
	err := c.stream.CloseRequest()
	c.shutdown()
	return err
}

func (c *Client) shutdown() {
	c.abort()
	_ = c.stream.CloseResponse()
	c.transport.CloseIdleConnections()
}

func (c *Client) UpdateSource(ctx context.Context, info storage.SourceInfo) error {
	_, err := c.call(ctx, request{Op: opUpdateSource, Source: &info})
	return err
}

func (c *Client) Prepare(ctx context.Context, name string, capacity int) (storage.Sink, error) {
	resp, err := c.call(ctx, request{Op: opPrepare, Name: name, Capacity: capacity})
	if err != nil {
		return nil, err
	}
	return &remoteSink{c: c, id: resp.Sink, name: name}, nil
}

func (c *Client) Kickoff(ctx context.Context) error {
	_, err := c.call(ctx, request{Op: opKickoff})
	return err
}

func (c *Client) Complete(ctx context.Context, name string) error {
	_, err := c.call(ctx, request{Op: opComplete, Name: name})
	return err
}

func (c *Client) IndicesWritten(ctx context.Context, name string) (int, error) {
	resp, err := c.call(ctx, request{Op: opIndicesWritten, Name: name})
	return resp.Indices, err
}

// CollectStreamDocs fetches the documents eagerly; the returned sequence
// yields them once.
func (c *Client) CollectStreamDocs(ctx context.Context, name string, n int) (iter.Seq[storage.StreamAsset], error) {
	resp, err := c.call(ctx, request{Op: opCollectStreamDocs, Name: name, N: n})
	if err != nil {
		return nil, err
	}
	docs := resp.Docs
	var used atomic.Bool
	return func(yield func(storage.StreamAsset) bool) {
		if used.Swap(true) {
			return
		}
		for _, doc := range docs {
			if !yield(doc) {
				return
			}
		}
	}, nil
}

func (c *Client) Describe(ctx context.Context) (map[string]storage.Descriptor, error) {
	resp, err := c.call(ctx, request{Op: opDescribe})
	return resp.Descriptors, err
}

// Location asks the server for the store location.
func (c *Client) Location(ctx context.Context) (storage.PathInfo, error) {
	resp, err := c.call(ctx, request{Op: opLocation})
	if err != nil {
		return storage.PathInfo{}, err
	}
	if resp.Location == nil {
		return storage.PathInfo{}, nil
	}
	return *resp.Location, nil
}

// HelloLocation returns the store location reported when the client
// connected.
func (c *Client) HelloLocation() storage.PathInfo { return c.location.Clone() }

func (c *Client) call(ctx context.Context, req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return response{}, fmt.Errorf("%w: session unusable: %w", storage.ErrBackendIO, c.broken)
	}
	if err := ctx.Err(); err != nil {
		return response{}, fmt.Errorf("%w: %w", storage.ErrBackendIO, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	// A message cannot be abandoned halfway, so an expired call ends the
	// whole session.
	stop := context.AfterFunc(ctx, c.abort)
	defer stop()

	c.nextID++
	req.ID = c.nextID
	if err := c.stream.Send(&req); err != nil && !errors.Is(err, io.EOF) {
		return response{}, c.breakLocked(ctx, err)
	}
	// On io.EOF from Send the server has ended the stream; Receive reports why.
	resp, err := c.stream.Receive()
	if err != nil {
		return response{}, c.breakLocked(ctx, err)
	}
	if !stop() {
		return response{}, c.breakLocked(ctx, context.Cause(ctx))
	}
	if resp.ID != req.ID {
		return response{}, c.breakLocked(ctx, fmt.Errorf("%w: response %d for request %d", ErrBadRequest, resp.ID, req.ID))
	}
	if resp.Code != "" {
		return *resp, &RemoteError{Code: resp.Code, Message: resp.Message}
	}
	return *resp, nil
}

// breakLocked marks the client unusable. A half-read stream cannot be
// resynchronised, so the session is torn down.
func (c *Client) breakLocked(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	c.broken = err
	c.shutdown()
	c.logger.Warn("session broken", "error", err)
	return fmt.Errorf("%w: %w", storage.ErrBackendIO, err)
}

// remoteSink is the client half of a server-side sink.
type remoteSink struct {
	c      *Client
	id     uint64
	name   string
	count  atomic.Int64
	closed atomic.Bool
}

func (s *remoteSink) Name() string { return s.name }

func (s *remoteSink) Count() int { return int(s.count.Load()) }

func (s *remoteSink) Write(ctx context.Context, f frame.Frame) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: sink for %q", storage.ErrClosed, s.name)
	}
	resp, err := s.c.call(ctx, request{Op: opWrite, Sink: s.id, Frame: &f})
	if err != nil {
		return err
	}
	s.count.Store(int64(resp.Count))
	return nil
}

func (s *remoteSink) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, err := s.c.call(ctx, request{Op: opCloseSink, Sink: s.id})
	return err
}
