package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"framestore/internal/auth"
	"framestore/internal/logging"
	"framestore/internal/storage"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Proxy receives every request. Required.
	Proxy storage.Proxy

	// Tokens, if set, requires a valid token in the hello request. Without
	// it every client gets write access.
	Tokens *auth.TokenService

	// TLS, if set, serves h2 over TLS instead of h2c.
	TLS *tls.Config

	// Logger for structured logging. If nil, logging is disabled.
	// The server scopes this logger with component="remote-server".
	Logger *slog.Logger
}

// Server serves a storage.Proxy to remote clients.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	sessions sync.WaitGroup
}

// NewServer creates a server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Proxy == nil {
		return nil, errors.New("remote server: proxy is required")
	}
	return &Server{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "remote-server"),
	}, nil
}

// Handler returns the HTTP handler serving the Session procedure. It needs
// an HTTP/2 capable server; Serve provides one.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(SessionProcedure, connect.NewBidiStreamHandler(SessionProcedure, s.session,
		connect.WithCodec(msgpackCodec{}),
		withBrotliHandler(),
		connect.WithCompressMinBytes(compressMinBytes),
	))
	return mux
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("remote listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln and
// every open session, and waits for their sinks to be closed before
// returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	h2s := &http2.Server{}
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), h2s),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if s.cfg.TLS != nil {
		tlsCfg := s.cfg.TLS.Clone()
		tlsCfg.NextProtos = []string{http2.NextProtoTLS}
		if err := http2.ConfigureServer(srv, h2s); err != nil {
			return fmt.Errorf("remote: configure http2: %w", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.logger.Info("storage server listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)

	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	err := srv.Serve(ln)
	s.sessions.Wait()
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// sessionState is the per-stream state.
type sessionState struct {
	claims   *auth.Claims
	sinks    map[uint64]storage.Sink
	nextSink uint64
	hello    bool
}

func (s *Server) session(ctx context.Context, stream *connect.BidiStream[request, response]) error {
	s.sessions.Add(1)
	defer s.sessions.Done()

	logger := s.logger.With("remote", stream.Peer().Addr)
	logger.Debug("session opened")

	sess := &sessionState{sinks: make(map[uint64]storage.Sink)}
	defer s.closeSinks(sess, logger)

	for {
		req, err := stream.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				logger.Debug("session closed")
				return nil
			}
			logger.Warn("receive error", "error", err)
			return err
		}

		resp := s.dispatch(ctx, sess, req)
		resp.ID = req.ID
		if err := stream.Send(&resp); err != nil {
			logger.Debug("send error", "error", err)
			return nil
		}
		if req.Op == opHello && resp.Code != "" {
			return nil
		}
	}
}

// closeSinks closes sinks a client left open when it went away.
func (s *Server) closeSinks(sess *sessionState, logger *slog.Logger) {
	for _, id := range slices.Sorted(maps.Keys(sess.sinks)) {
		sink := sess.sinks[id]
		if err := sink.Close(context.Background()); err != nil {
			logger.Warn("close abandoned sink", "source", sink.Name(), "error", err)
			continue
		}
		logger.Info("closed abandoned sink", "source", sink.Name(), "frames", sink.Count())
	}
}

func (s *Server) dispatch(ctx context.Context, sess *sessionState, req *request) response {
	if req.Op == opHello {
		return s.hello(ctx, sess, req)
	}
	if !sess.hello {
		return failure(fmt.Errorf("%w: hello required before %q", ErrBadRequest, req.Op))
	}
	if scope := scopeOf(req.Op); sess.claims != nil && !sess.claims.Allows(scope) {
		return failure(fmt.Errorf("%w: %s needs %s", auth.ErrInsufficientScope, req.Op, scope))
	}
	ctx = auth.WithClaims(ctx, sess.claims)
	proxy := s.cfg.Proxy

	var resp response
	var err error
	switch req.Op {
	case opUpdateSource:
		if req.Source == nil {
			return failure(fmt.Errorf("%w: update_source without source", ErrBadRequest))
		}
		err = proxy.UpdateSource(ctx, *req.Source)
	case opPrepare:
		var sink storage.Sink
		if sink, err = proxy.Prepare(ctx, req.Name, req.Capacity); err == nil {
			sess.nextSink++
			sess.sinks[sess.nextSink] = sink
			resp.Sink = sess.nextSink
			s.logger.Info("sink prepared", "source", req.Name, "client", auth.ClientFromContext(ctx))
		}
	case opKickoff:
		err = proxy.Kickoff(ctx)
	case opComplete:
		if err = proxy.Complete(ctx, req.Name); err == nil {
			s.logger.Info("source completed", "source", req.Name, "client", auth.ClientFromContext(ctx))
		}
	case opIndicesWritten:
		resp.Indices, err = proxy.IndicesWritten(ctx, req.Name)
	case opCollectStreamDocs:
		var docs iter.Seq[storage.StreamAsset]
		if docs, err = proxy.CollectStreamDocs(ctx, req.Name, req.N); err == nil {
			for doc := range docs {
				resp.Docs = append(resp.Docs, doc)
			}
		}
	case opWrite:
		sink, ok := sess.sinks[req.Sink]
		switch {
		case !ok:
			err = fmt.Errorf("%w: unknown sink %d", storage.ErrClosed, req.Sink)
		case req.Frame == nil:
			err = fmt.Errorf("%w: write without frame", ErrBadRequest)
		default:
			err = sink.Write(ctx, *req.Frame)
			resp.Count = sink.Count()
		}
	case opCloseSink:
		if sink, ok := sess.sinks[req.Sink]; ok {
			delete(sess.sinks, req.Sink)
			err = sink.Close(ctx)
			resp.Count = sink.Count()
		}
	case opDescribe:
		d, ok := proxy.(storage.Describer)
		if !ok {
			return failure(ErrUnsupported)
		}
		resp.Descriptors, err = d.Describe(ctx)
	case opLocation:
		l, ok := proxy.(storage.Locator)
		if !ok {
			return failure(ErrUnsupported)
		}
		var loc storage.PathInfo
		if loc, err = l.Location(ctx); err == nil {
			resp.Location = &loc
		}
	default:
		return failure(fmt.Errorf("%w: unknown op %q", ErrBadRequest, req.Op))
	}
	if err != nil {
		return failure(err)
	}
	return resp
}

func (s *Server) hello(ctx context.Context, sess *sessionState, req *request) response {
	if req.Version != ProtocolVersion {
		return failure(fmt.Errorf("%w: client %d, server %d", ErrProtocol, req.Version, ProtocolVersion))
	}
	if s.cfg.Tokens != nil {
		claims, err := s.cfg.Tokens.Verify(req.Token)
		if err != nil {
			s.logger.Warn("rejected client", "error", err)
			return failure(fmt.Errorf("%w: %w", ErrUnauthenticated, err))
		}
		sess.claims = claims
		s.logger.Info("client authenticated", "client", claims.Client(), "scope", claims.Scope)
	}
	sess.hello = true

	var resp response
	if l, ok := s.cfg.Proxy.(storage.Locator); ok {
		if loc, err := l.Location(ctx); err == nil {
			resp.Location = &loc
		}
	}
	return resp
}

func scopeOf(op string) string {
	switch op {
	case opIndicesWritten, opDescribe, opLocation:
		return auth.ScopeRead
	}
	return auth.ScopeWrite
}

func failure(err error) response {
	return response{Code: errorCode(err), Message: err.Error()}
}
