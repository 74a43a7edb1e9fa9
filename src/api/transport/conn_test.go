package transport

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// fragmentedStream hands out at most maxRead bytes per Read and accepts at
// most maxWrite bytes per Write, like a socket under load.
type fragmentedStream struct {
	r        io.Reader
	w        bytes.Buffer
	maxRead  int
	maxWrite int
	closes   int
}

func (s *fragmentedStream) Read(p []byte) (int, error) {
	if s.maxRead > 0 && len(p) > s.maxRead {
		p = p[:s.maxRead]
	}
	return s.r.Read(p)
}

func (s *fragmentedStream) Write(p []byte) (int, error) {
	if s.maxWrite > 0 && len(p) > s.maxWrite {
		p = p[:s.maxWrite]
	}
	return s.w.Write(p)
}

func (s *fragmentedStream) Close() error {
	s.closes++
	return nil
}

type failingWriter struct {
	limit int
	n     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > w.limit {
		k := w.limit - w.n
		w.n = w.limit
		return k, errors.New("disk full")
	}
	w.n += len(p)
	return len(p), nil
}

func (w *failingWriter) Read([]byte) (int, error) { return 0, io.EOF }

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("Failed to generate random data: %v", err)
	}
	return b
}

func TestSendExactPartialWrites(t *testing.T) {
	data := randomBytes(t, 1000)
	for _, maxWrite := range []int{1, 3, 999, 4096} {
		s := &fragmentedStream{r: bytes.NewReader(nil), maxWrite: maxWrite}
		c := NewConn(s)
		if err := c.SendExact(data); err != nil {
			t.Fatalf("maxWrite=%d: SendExact failed: %v", maxWrite, err)
		}
		if !bytes.Equal(s.w.Bytes(), data) {
			t.Fatalf("maxWrite=%d: peer received %d bytes, want %d", maxWrite, s.w.Len(), len(data))
		}
	}
}

func TestSendExactWriteError(t *testing.T) {
	c := NewConn(&failingWriter{limit: 4})
	err := c.SendExact([]byte("0123456789"))
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("SendExact error = %v, want ErrConnection", err)
	}
	var ce *ConnError
	if !errors.As(err, &ce) || ce.Op != "send" {
		t.Fatalf("expected *ConnError for send, got %T %v", err, err)
	}
}

func TestRecvExactFragments(t *testing.T) {
	data := randomBytes(t, 64)
	s := &fragmentedStream{r: bytes.NewReader(data), maxRead: 1}
	c := NewConn(s)

	first, err := c.RecvExact(10)
	if err != nil {
		t.Fatalf("RecvExact failed: %v", err)
	}
	rest, err := c.RecvExact(54)
	if err != nil {
		t.Fatalf("RecvExact failed: %v", err)
	}
	if !bytes.Equal(append(first, rest...), data) {
		t.Fatal("RecvExact reassembled the wrong bytes")
	}

	empty, err := c.RecvExact(0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("RecvExact(0) = %v, %v", empty, err)
	}
}

func TestRecvExactEarlyClose(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"clean close before any byte", nil, io.EOF},
		{"close mid frame", []byte{1, 2, 3}, io.ErrUnexpectedEOF},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewConn(&fragmentedStream{r: bytes.NewReader(tc.input)})
			got, err := c.RecvExact(5)
			if got != nil {
				t.Fatalf("RecvExact returned %d bytes on failure", len(got))
			}
			if !errors.Is(err, ErrConnection) || !errors.Is(err, tc.want) {
				t.Fatalf("RecvExact error = %v, want ErrConnection and %v", err, tc.want)
			}
		})
	}
}

func TestStreamToSinkExact(t *testing.T) {
	data := randomBytes(t, 100)
	trailer := []byte{0xEE, 0xFF}

	for _, chunk := range []int{1, 7, 99, 100, 101, DefaultChunkSize} {
		s := &fragmentedStream{r: bytes.NewReader(append(append([]byte{}, data...), trailer...)), maxRead: 13}
		c := NewConn(s, WithChunkSize(chunk))

		var sink bytes.Buffer
		n, err := c.StreamToSink(int64(len(data)), &sink)
		if err != nil {
			t.Fatalf("chunk=%d: StreamToSink failed: %v", chunk, err)
		}
		if n != int64(len(data)) || !bytes.Equal(sink.Bytes(), data) {
			t.Fatalf("chunk=%d: sink got %d bytes", chunk, sink.Len())
		}

		rest, err := c.RecvExact(2)
		if err != nil || !bytes.Equal(rest, trailer) {
			t.Fatalf("chunk=%d: StreamToSink overran the frame: %x, %v", chunk, rest, err)
		}
	}
}

func TestStreamToSinkEarlyClose(t *testing.T) {
	c := NewConn(&fragmentedStream{r: bytes.NewReader(randomBytes(t, 10))}, WithChunkSize(4))
	n, err := c.StreamToSink(20, io.Discard)
	if !errors.Is(err, ErrConnection) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("StreamToSink error = %v, want connection fault", err)
	}
	if n != 10 {
		t.Fatalf("StreamToSink wrote %d bytes before failing, want 10", n)
	}
}

func TestStreamToSinkSinkFailureKeepsFraming(t *testing.T) {
	payload := randomBytes(t, 50)
	wire := append(append([]byte{}, payload...), 'Z')
	c := NewConn(&fragmentedStream{r: bytes.NewReader(wire)}, WithChunkSize(8))

	n, err := c.StreamToSink(int64(len(payload)), &failingWriter{limit: 10})
	var se *SinkError
	if !errors.As(err, &se) {
		t.Fatalf("StreamToSink error = %T %v, want *SinkError", err, err)
	}
	if errors.Is(err, ErrConnection) {
		t.Fatal("sink failure classified as connection fault")
	}
	if n != 10 {
		t.Fatalf("sink accepted %d bytes, want 10", n)
	}

	next, err := c.RecvExact(1)
	if err != nil || next[0] != 'Z' {
		t.Fatalf("payload not fully consumed after sink failure: %v %v", next, err)
	}
}

func TestStreamFromSourceChunkSizes(t *testing.T) {
	const total = 1000
	data := randomBytes(t, total+37) // source longer than the declared size

	for _, chunk := range []int{1, 64, total - 1, total, total + 1, DefaultChunkSize} {
		s := &fragmentedStream{r: bytes.NewReader(nil), maxWrite: 17}
		c := NewConn(s, WithChunkSize(chunk))

		sent, err := c.StreamFromSource(bytes.NewReader(data), total)
		if err != nil {
			t.Fatalf("chunk=%d: StreamFromSource failed: %v", chunk, err)
		}
		if sent != total || s.w.Len() != total {
			t.Fatalf("chunk=%d: sent %d, peer got %d, want %d", chunk, sent, s.w.Len(), total)
		}
		if !bytes.Equal(s.w.Bytes(), data[:total]) {
			t.Fatalf("chunk=%d: peer got the wrong bytes", chunk)
		}
	}
}

func TestStreamFromSourceShort(t *testing.T) {
	s := &fragmentedStream{r: bytes.NewReader(nil)}
	c := NewConn(s, WithChunkSize(2))

	sent, err := c.StreamFromSource(bytes.NewReader([]byte("hello")), 10)
	if !errors.Is(err, ErrSourceShort) {
		t.Fatalf("StreamFromSource error = %v, want ErrSourceShort", err)
	}
	if errors.Is(err, ErrConnection) {
		t.Fatal("short source classified as connection fault")
	}
	if sent != 5 {
		t.Fatalf("sent = %d, want 5", sent)
	}
}

func TestStreamFromSourceReadError(t *testing.T) {
	c := NewConn(&fragmentedStream{r: bytes.NewReader(nil)})
	_, err := c.StreamFromSource(io.MultiReader(bytes.NewReader([]byte("ab")), errReader{}), 10)
	var se *SourceError
	if !errors.As(err, &se) {
		t.Fatalf("StreamFromSource error = %T %v, want *SourceError", err, err)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestCloseOnce(t *testing.T) {
	s := &fragmentedStream{r: bytes.NewReader(nil)}
	c := NewConn(s)
	for i := 0; i < 3; i++ {
		if err := c.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}
	if s.closes != 1 {
		t.Fatalf("underlying stream closed %d times, want 1", s.closes)
	}
}

func TestTraceSeesBothDirections(t *testing.T) {
	s := &fragmentedStream{r: bytes.NewReader([]byte{9, 8, 7})}
	var sent, recv int
	c := NewConn(s, WithTrace(func(d Direction, b []byte) {
		if d == Outbound {
			sent += len(b)
		} else {
			recv += len(b)
		}
	}))
	if err := c.SendExact([]byte{1, 2}); err != nil {
		t.Fatalf("SendExact failed: %v", err)
	}
	if _, err := c.RecvExact(3); err != nil {
		t.Fatalf("RecvExact failed: %v", err)
	}
	if sent != 2 || recv != 3 {
		t.Fatalf("trace saw sent=%d recv=%d", sent, recv)
	}
}

func TestIdleTimeoutRefreshesOnProgress(t *testing.T) {
	near, far := net.Pipe()
	defer near.Close()
	defer far.Close()

	data := randomBytes(t, 16<<10)
	go func() {
		for off := 0; off < len(data); off += 512 {
			time.Sleep(5 * time.Millisecond)
			if _, err := far.Write(data[off : off+512]); err != nil {
				return
			}
		}
	}()

	// 32 writes at 5ms each outlast the 60ms idle timeout in total.
	c := NewConn(near, WithIdleTimeout(60*time.Millisecond))
	var got bytes.Buffer
	if _, err := c.StreamToSink(int64(len(data)), &got); err != nil {
		t.Fatalf("StreamToSink failed: %v", err)
	}
	if !bytes.Equal(got.Bytes(), data) {
		t.Fatalf("received %d bytes, want %d", got.Len(), len(data))
	}
}

func TestIdleTimeoutFiresOnStall(t *testing.T) {
	near, far := net.Pipe()
	defer near.Close()
	defer far.Close()

	c := NewConn(near, WithIdleTimeout(30*time.Millisecond))
	_, err := c.RecvExact(4)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("RecvExact error = %v, want ErrConnection", err)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("RecvExact error = %v, want a timeout", err)
	}
}

func TestDeadlineBoundsIdleTimeout(t *testing.T) {
	near, far := net.Pipe()
	defer near.Close()
	defer far.Close()

	c := NewConn(near, WithIdleTimeout(time.Minute))
	if err := c.SetDeadline(time.Now().Add(30 * time.Millisecond)); err != nil {
		t.Fatalf("SetDeadline failed: %v", err)
	}
	start := time.Now()
	if _, err := c.RecvExact(1); !errors.Is(err, ErrConnection) {
		t.Fatalf("RecvExact error = %v, want ErrConnection", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("overall deadline ignored, read blocked %v", elapsed)
	}
}
