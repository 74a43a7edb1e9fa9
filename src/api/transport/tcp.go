package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
)

const acceptPoll = 500 * time.Millisecond

type TCPListener struct {
	address  string
	listener net.Listener
	handler  Handler
	opts     []Option
	exit     chan any

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ ConnListener = (*TCPListener)(nil)

// TCPListener generator function
func NewTCPListener(address string, exit chan any, handler Handler, opts ...Option) *TCPListener {
	logs.Debugf("NewTCPListener(%s)", address)
	return &TCPListener{
		address: address,
		handler: handler,
		opts:    opts,
		exit:    exit,
		conns:   make(map[*Conn]struct{}),
	}
}

// Listen and accept connections via TCPListener.listener
func (l *TCPListener) ListenAndAccept() error {
	logs.Debugf("ListenAndAccept(%s)", l.address)
	var err error
	l.listener, err = net.Listen("tcp", l.address)
	if err != nil {
		return err
	}

	l.wg.Add(1)
	go l.acceptConnections()

	return nil
}

func (l *TCPListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// close live connections and wait for the accept loop and handlers to return
func (l *TCPListener) Close() error {
	logs.Debugf("Close(start)")
	var err error
	if l.listener != nil {
		err = l.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}

	l.mu.Lock()
	l.closed = true
	for c := range l.conns {
		c.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	logs.Debugf("Close(done)")
	return err
}

// listener accept loop
func (l *TCPListener) acceptConnections() {
	logs.Debugf("acceptConnections(): start")
	defer l.wg.Done()
	defer l.listener.Close()
	for {
		select {
		case <-l.exit:
			logs.Debugf("acceptConnections(): exit")
			return
		default:
			if tl, ok := l.listener.(*net.TCPListener); ok {
				tl.SetDeadline(time.Now().Add(acceptPoll)) // Non-blocking
			}
			nc, err := l.listener.Accept()
			if err != nil {
				if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
					// Timeout, continue to check exit
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					logs.Debugf("acceptConnections(): listener closed")
					return
				}
				logs.Warnf("acceptConnections error: %s", err)
				return
			}
			conn := NewConn(nc, l.opts...)
			if !l.track(conn) {
				logs.Debugf("acceptConnections(): closing %s, listener shut down", conn.RemoteAddr())
				conn.Close()
				return
			}
			go l.handleConnection(conn)
		}
	}
}

// track registers conn for Close unless Close has already swept the live
// connections. The handler's wait-group slot is taken under the same lock.
func (l *TCPListener) track(conn *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	l.wg.Add(1)
	return true
}

// listener connection handler
func (l *TCPListener) handleConnection(conn *Conn) {
	defer l.wg.Done()
	clientAddr := conn.RemoteAddr()
	logs.Debugf("handleConnection(%s): start", clientAddr)

	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
		logs.Debugf("handleConnection(%s): connection released", clientAddr)
	}()

	l.handler(conn)
}
