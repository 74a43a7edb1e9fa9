package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/dps_backup/src/api/protocol"
	"github.com/danmuck/dps_backup/src/api/transport"
	logs "github.com/danmuck/smplog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "dps_backup/client"

var (
	ErrLocalFile    = errors.New("client: local file")
	ErrFileTooLarge = errors.New("client: file larger than the 32-bit size field")
	ErrUnsafeName   = errors.New("client: unsafe restore name")
	ErrListing      = errors.New("client: listing is not ASCII text")
	ErrBroken       = errors.New("client: session ended by an earlier fault")
)

// ID identifies the caller's backup namespace on the server.
type ID uint32

// NewID draws a random identity for this process.
func NewID() (ID, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("client: generate id: %w", err)
	}
	return ID(binary.LittleEndian.Uint32(b[:])), nil
}

// Progress receives a writer per streamed transfer. Begin returns the
// writer that observes the bytes; End is called when the transfer stops.
type Progress interface {
	Begin(label string, total int64) io.Writer
	End()
}

type options struct {
	id          ID
	idSet       bool
	chunkSize   int
	timeout     time.Duration
	dialTimeout time.Duration
	restoreDir  string
	wireTrace   func(transport.Direction, []byte)
	tracer      trace.Tracer
	progress    Progress
}

type Option func(*options)

func WithID(id ID) Option {
	return func(o *options) { o.id, o.idSet = id, true }
}

func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithTimeout fails an operation when the connection makes no progress for
// d. A transfer that keeps moving is not cut off; use a context deadline to
// bound total time. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithRestoreDir sets the directory restored files are written into.
func WithRestoreDir(dir string) Option {
	return func(o *options) { o.restoreDir = dir }
}

// WithWireTrace logs every byte on the wire as hex at debug level.
func WithWireTrace() Option {
	return func(o *options) {
		o.wireTrace = func(d transport.Direction, b []byte) {
			logs.Debugf("  %s: %s", d, hex.EncodeToString(b))
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func WithProgress(p Progress) Option {
	return func(o *options) { o.progress = p }
}

func buildOptions(opts []Option) options {
	o := options{
		chunkSize:   transport.DefaultChunkSize,
		dialTimeout: 10 * time.Second,
		restoreDir:  ".",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(TracerName)
	}
	return o
}

func (o options) connOptions() []transport.Option {
	opts := []transport.Option{
		transport.WithChunkSize(o.chunkSize),
		transport.WithIdleTimeout(o.timeout),
	}
	if o.wireTrace != nil {
		opts = append(opts, transport.WithTrace(o.wireTrace))
	}
	return opts
}

// Client is one session with the backup server: a single connection and a
// single identity. Operations run one at a time and each fully drains its
// response before returning.
type Client struct {
	id   ID
	conn *transport.Conn
	opts options

	mu     sync.Mutex
	broken error
}

// Dial connects to addr and returns a session bound to it.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	conn, err := transport.Dial(ctx, addr, o.dialTimeout, o.connOptions()...)
	if err != nil {
		return nil, err
	}
	c, err := newClient(conn, o)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logs.Debugf("client %d connected to %s", c.id, addr)
	return c, nil
}

// New runs a session over an already established stream.
func New(rw io.ReadWriter, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	return newClient(transport.NewConn(rw, o.connOptions()...), o)
}

func newClient(conn *transport.Conn, o options) (*Client, error) {
	id := o.id
	if !o.idSet {
		var err error
		if id, err = NewID(); err != nil {
			return nil, err
		}
	}
	return &Client{id: id, conn: conn, opts: o}, nil
}

func (c *Client) ID() ID { return c.id }

// Close releases the connection. It is safe to call more than once.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Err returns the fault that ended the session, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// exec runs one operation with the session lock held, a span around it and
// the deadline applied. Connection and protocol faults end the session.
func (c *Client) exec(ctx context.Context, op protocol.OpCode, name string, res *Result, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return fmt.Errorf("%w: %w", ErrBroken, c.broken)
	}

	ctx, span := c.opts.tracer.Start(ctx, "backup."+op.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backup.op", op.String()),
			attribute.String("backup.file", name),
			attribute.Int64("backup.client_id", int64(c.id)),
		),
	)
	defer span.End()

	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		logs.Warnf("set deadline: %v", err)
	}
	defer c.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	err := fn()
	if res.Status != 0 {
		span.SetAttributes(attribute.Int("backup.status", int(res.Status)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if sessionFatal(err) {
			c.broken = err
			c.conn.Close()
		}
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// deadline is the overall bound for one operation: the ctx deadline, if any.
// The idle timeout is enforced per read and write by the connection.
func (c *Client) deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

// sessionFatal reports faults after which the stream can no longer be
// trusted to sit on a frame boundary.
func sessionFatal(err error) bool {
	var se *transport.SourceError
	return errors.As(err, &se) ||
		errors.Is(err, transport.ErrConnection) ||
		errors.Is(err, protocol.ErrTruncated) ||
		errors.Is(err, transport.ErrSourceShort)
}

// roundTrip sends req, runs body (the backup stream) and parses the reply.
func (c *Client) roundTrip(req protocol.Request, body func() error) (*protocol.Response, error) {
	wire, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := c.conn.SendExact(wire); err != nil {
		return nil, err
	}
	if body != nil {
		if err := body(); err != nil {
			return nil, err
		}
	}

	p := protocol.Parser{OnTransition: func(from, to protocol.State) {
		logs.Debugf("  response %s -> %s", from, to)
	}}
	resp, err := p.Read(c.conn)
	if err != nil {
		return nil, err
	}
	if resp.Version != protocol.Version {
		logs.Warnf("server answered with protocol version %d, expected %d", resp.Version, protocol.Version)
	}
	logs.Debugf("  response status=%d (%s) shape=%s name=%q size=%d",
		resp.Status, resp.Status, resp.Shape, resp.FileName, resp.PayloadSize)
	return resp, nil
}

func (c *Client) beginProgress(label string, total int64) io.Writer {
	if c.opts.progress == nil {
		return io.Discard
	}
	return c.opts.progress.Begin(label, total)
}

func (c *Client) endProgress() {
	if c.opts.progress != nil {
		c.opts.progress.End()
	}
}
