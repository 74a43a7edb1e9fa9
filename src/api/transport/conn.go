package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultChunkSize bounds the memory used per streamed transfer. It is not
// visible on the wire.
const DefaultChunkSize = 4096

// Direction of a traced transfer.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "send"
	}
	return "recv"
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Conn gives byte-exact sends and receives over a stream that may deliver
// data in arbitrary fragments. It is not safe for concurrent use; the
// protocol runs one request at a time.
type Conn struct {
	rw        io.ReadWriter
	closer    io.Closer
	deadline  deadliner
	chunkSize int
	trace     func(Direction, []byte)
	idle      time.Duration

	// limit is the overall deadline from SetDeadline. With an idle timeout
	// every read and write re-arms the stream deadline to the earlier of
	// limit and now+idle; mu keeps a concurrent SetDeadline from being
	// overwritten by a re-arm.
	mu    sync.Mutex
	limit time.Time

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Conn)

// WithChunkSize sets the streaming chunk size; n <= 0 keeps the default.
func WithChunkSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithTrace registers a hook that sees every byte sent or received.
func WithTrace(fn func(Direction, []byte)) Option {
	return func(c *Conn) {
		c.trace = fn
	}
}

// WithIdleTimeout fails a read or write that makes no progress for d. The
// deadline is refreshed before every read and write, so a long transfer that
// keeps moving is never cut off. d <= 0 disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.idle = max(d, 0)
	}
}

// NewConn wraps rw. Close and SetDeadline are forwarded when rw supports them.
func NewConn(rw io.ReadWriter, opts ...Option) *Conn {
	c := &Conn{rw: rw, chunkSize: DefaultChunkSize}
	if cl, ok := rw.(io.Closer); ok {
		c.closer = cl
	}
	if d, ok := rw.(deadliner); ok {
		c.deadline = d
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string, timeout time.Duration, opts ...Option) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnError{Op: "dial " + addr, Err: err}
	}
	return NewConn(nc, opts...), nil
}

func (c *Conn) ChunkSize() int { return c.chunkSize }

// RemoteAddr returns the peer address when the stream is a net.Conn.
func (c *Conn) RemoteAddr() string {
	if nc, ok := c.rw.(net.Conn); ok {
		return nc.RemoteAddr().String()
	}
	return "stream"
}

// SetDeadline bounds all reads and writes by t; the zero time clears it.
// It may be called from another goroutine to interrupt blocked I/O.
func (c *Conn) SetDeadline(t time.Time) error {
	if c.deadline == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = t
	return c.deadline.SetDeadline(t)
}

// arm refreshes the idle deadline before one read or write.
func (c *Conn) arm() error {
	if c.idle <= 0 || c.deadline == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := time.Now().Add(c.idle)
	if !c.limit.IsZero() && c.limit.Before(t) {
		t = c.limit
	}
	return c.deadline.SetDeadline(t)
}

func (c *Conn) read(p []byte) (int, error) {
	if err := c.arm(); err != nil {
		return 0, err
	}
	return c.rw.Read(p)
}

func (c *Conn) write(p []byte) (int, error) {
	if err := c.arm(); err != nil {
		return 0, err
	}
	return c.rw.Write(p)
}

type readFunc func([]byte) (int, error)

func (f readFunc) Read(p []byte) (int, error) { return f(p) }

// Close releases the stream once; later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}

// SendExact writes all of b, looping over partial writes.
func (c *Conn) SendExact(b []byte) error {
	c.traceBytes(Outbound, b)
	for sent := 0; sent < len(b); {
		n, err := c.write(b[sent:])
		sent += n
		if err != nil {
			return &ConnError{Op: "send", Err: err}
		}
		if n == 0 {
			return &ConnError{Op: "send", Err: io.ErrShortWrite}
		}
	}
	return nil
}

// RecvExact blocks until exactly n bytes arrived. The peer closing first,
// even cleanly between frames, is a connection fault.
func (c *Conn) RecvExact(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("transport: negative read length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(readFunc(c.read), buf); err != nil {
		return nil, &ConnError{Op: fmt.Sprintf("recv %d bytes", n), Err: err}
	}
	c.traceBytes(Inbound, buf)
	return buf, nil
}

// StreamToSink moves exactly n inbound bytes into sink in chunks. If the sink
// fails the remaining bytes are still read and dropped, and a *SinkError is
// returned once the frame has been consumed. The count is bytes accepted by
// the sink.
func (c *Conn) StreamToSink(n int64, sink io.Writer) (int64, error) {
	buf := make([]byte, c.chunkFor(n))
	var written int64
	var sinkErr error

	for remaining := n; remaining > 0; {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		got, err := c.read(chunk)
		if got > 0 {
			remaining -= int64(got)
			c.traceBytes(Inbound, chunk[:got])
			if sinkErr == nil {
				w, werr := sink.Write(chunk[:got])
				written += int64(w)
				if werr == nil && w < got {
					werr = io.ErrShortWrite
				}
				sinkErr = werr
			}
		}
		if remaining > 0 && err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return written, &ConnError{Op: fmt.Sprintf("recv payload (%d of %d bytes)", n-remaining, n), Err: err}
		}
	}

	if sinkErr != nil {
		return written, &SinkError{Err: sinkErr}
	}
	return written, nil
}

// StreamFromSource reads src in chunks and sends exactly total bytes. A
// source that ends early yields ErrSourceShort; by then part of the frame is
// on the wire and the stream is no longer framed.
func (c *Conn) StreamFromSource(src io.Reader, total int64) (int64, error) {
	buf := make([]byte, c.chunkFor(total))
	var sent int64

	for sent < total {
		chunk := buf
		if rem := total - sent; int64(len(chunk)) > rem {
			chunk = chunk[:rem]
		}
		n, err := src.Read(chunk)
		if n > 0 {
			if serr := c.SendExact(chunk[:n]); serr != nil {
				return sent, serr
			}
			sent += int64(n)
		}
		if err == io.EOF {
			if sent < total {
				return sent, fmt.Errorf("%w: %d of %d bytes", ErrSourceShort, sent, total)
			}
			break
		}
		if err != nil {
			return sent, &SourceError{Err: err}
		}
	}
	return sent, nil
}

func (c *Conn) chunkFor(n int64) int {
	if n <= 0 {
		return 1
	}
	if n < int64(c.chunkSize) {
		return int(n)
	}
	return c.chunkSize
}

func (c *Conn) traceBytes(d Direction, b []byte) {
	if c.trace != nil && len(b) > 0 {
		c.trace(d, b)
	}
}
