package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/dps_backup/src/api/protocol"
	"github.com/danmuck/dps_backup/src/api/transport"
	"github.com/danmuck/dps_backup/src/store"
	logs "github.com/danmuck/smplog"
)

// Server answers the backup protocol from a store. Each connection is served
// by its own goroutine; requests on one connection run in order.
type Server struct {
	store       *store.Store
	metrics     *Metrics
	chunkSize   int
	idleTimeout time.Duration

	listener  *transport.TCPListener
	exit      chan any
	closeOnce sync.Once
}

type Option func(*Server)

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithChunkSize(n int) Option {
	return func(s *Server) { s.chunkSize = n }
}

// WithIdleTimeout drops connections that send no request for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

func New(st *store.Store, opts ...Option) *Server {
	s := &Server{
		store:     st,
		chunkSize: transport.DefaultChunkSize,
		exit:      make(chan any),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// ListenAndServe starts accepting on addr and returns once the listener is
// bound. Close stops it.
func (s *Server) ListenAndServe(addr string) error {
	s.listener = transport.NewTCPListener(addr, s.exit, s.ServeConn, transport.WithChunkSize(s.chunkSize))
	if err := s.listener.ListenAndAccept(); err != nil {
		return err
	}
	logs.Infof("backup server listening on %s (storage: %s)", s.listener.Addr(), s.store.Root())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, drops open connections and waits for handlers.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.exit)
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	return err
}

// ServeConn runs the request loop for one connection until the client
// leaves or the stream can no longer be trusted.
func (s *Server) ServeConn(conn *transport.Conn) {
	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()
	peer := conn.RemoteAddr()

	for {
		if s.idleTimeout > 0 {
			conn.SetDeadline(time.Now().Add(s.idleTimeout))
		}
		req, err := protocol.DecodeRequest(conn)
		if err != nil {
			s.rejectRequest(conn, peer, req, err)
			return
		}
		conn.SetDeadline(time.Time{})

		if req.Version != protocol.Version {
			logs.Warnf("%s: client %d sent version %d, expected %d", peer, req.ClientID, req.Version, protocol.Version)
		}
		logs.Debugf("%s: client %d %s %q", peer, req.ClientID, req.Op, req.FileName)

		started := time.Now()
		status, err := s.dispatch(conn, req)
		s.metrics.observe(req.Op, status, time.Since(started).Seconds())
		if err != nil {
			logs.Warnf("%s: client %d %s %q: %v", peer, req.ClientID, req.Op, req.FileName, err)
			return
		}
		logs.Infof("%s: client %d %s %q -> %d", peer, req.ClientID, req.Op, req.FileName, status)
	}
}

func (s *Server) rejectRequest(conn *transport.Conn, peer string, req protocol.Request, err error) {
	switch {
	case errors.Is(err, protocol.ErrUnknownOp):
		// The request length is unknown past the header, so the connection
		// cannot continue after the reply.
		logs.Warnf("%s: client %d: %v", peer, req.ClientID, err)
		s.metrics.requests.WithLabelValues("unknown", "1003").Inc()
		conn.SendExact(protocol.AppendMinimal(nil, protocol.StatusServerError))
	case errors.Is(err, io.EOF):
		logs.Debugf("%s: client closed the connection", peer)
	default:
		logs.Warnf("%s: %v", peer, err)
	}
}

// dispatch runs one request. A returned error means the stream is no longer
// on a frame boundary and the connection must be dropped.
func (s *Server) dispatch(conn *transport.Conn, req protocol.Request) (protocol.StatusCode, error) {
	switch req.Op {
	case protocol.OpList:
		return s.handleList(conn, req)
	case protocol.OpBackup:
		return s.handleBackup(conn, req)
	case protocol.OpRestore:
		return s.handleRestore(conn, req)
	case protocol.OpDelete:
		return s.handleDelete(conn, req)
	}
	return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, "")
}

// reply sends a response without payload, shaped by its status. A name that
// cannot be encoded falls back to a minimal 1003.
func (s *Server) reply(conn *transport.Conn, status protocol.StatusCode, name string) error {
	var wire []byte
	if protocol.ShapeOf(status) == protocol.ShapeMinimal {
		wire = protocol.AppendMinimal(nil, status)
	} else {
		var err error
		if wire, err = protocol.AppendHeaderOnly(nil, status, name); err != nil {
			logs.Warnf("reply %d: %v", status, err)
			wire = protocol.AppendMinimal(nil, protocol.StatusServerError)
		}
	}
	return conn.SendExact(wire)
}
