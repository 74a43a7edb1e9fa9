package client

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/danmuck/dps_backup/src/api/protocol"
	"github.com/danmuck/dps_backup/src/api/transport"
)

// peerStep answers one request on the server side of the pipe.
type peerStep func(t *testing.T, c *transport.Conn, req protocol.Request)

// startPeer runs steps in order against the far end of a pipe and returns
// the client end plus a channel closed once the peer is done.
func startPeer(t *testing.T, steps ...peerStep) (net.Conn, <-chan struct{}) {
	t.Helper()
	near, far := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer far.Close()
		c := transport.NewConn(far)
		for i, step := range steps {
			req, err := protocol.DecodeRequest(c)
			if err != nil {
				t.Errorf("peer: request %d: %v", i, err)
				return
			}
			step(t, c, req)
		}
	}()
	t.Cleanup(func() { near.Close() })
	return near, done
}

func reply(b []byte) peerStep {
	return func(t *testing.T, c *transport.Conn, _ protocol.Request) {
		if err := c.SendExact(b); err != nil {
			t.Errorf("peer: send: %v", err)
		}
	}
}

func replyMinimal(status protocol.StatusCode) peerStep {
	return reply(protocol.AppendMinimal(nil, status))
}

func replyPayload(status protocol.StatusCode, name string, payload []byte) peerStep {
	return func(t *testing.T, c *transport.Conn, _ protocol.Request) {
		hdr, err := protocol.AppendPayloadHeader(nil, status, name, uint32(len(payload)))
		if err != nil {
			t.Errorf("peer: encode: %v", err)
			return
		}
		if err := c.SendExact(append(hdr, payload...)); err != nil {
			t.Errorf("peer: send: %v", err)
		}
	}
}

func newTestClient(t *testing.T, rw io.ReadWriter, opts ...Option) *Client {
	t.Helper()
	c, err := New(rw, append([]Option{WithID(ID(gofakeit.Uint32()))}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestListNoFilesReadsThreeBytes(t *testing.T) {
	conn, done := startPeer(t, func(t *testing.T, c *transport.Conn, req protocol.Request) {
		if req.Op != protocol.OpList || req.Version != protocol.Version {
			t.Errorf("peer got %+v, want a list request", req)
		}
		replyMinimal(protocol.StatusNoFiles)(t, c, req)
	})
	c := newTestClient(t, conn)

	res, err := c.List(t.Context())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if res.Status != protocol.StatusNoFiles || len(res.Lines) != 0 {
		t.Fatalf("List = %+v, want no-files and no lines", res)
	}
	<-done
}

func TestListLines(t *testing.T) {
	payload := []byte("a.txt\r\nb.txt\nnotes.md\n\n")
	conn, done := startPeer(t, replyPayload(protocol.StatusListed, "", payload))
	c := newTestClient(t, conn)

	res, err := c.List(t.Context())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"a.txt", "b.txt", "notes.md"}
	if len(res.Lines) != len(want) {
		t.Fatalf("List lines = %q, want %q", res.Lines, want)
	}
	for i := range want {
		if res.Lines[i] != want[i] {
			t.Fatalf("List lines = %q, want %q", res.Lines, want)
		}
	}
	<-done
}

func TestBackupStreamsDeclaredBytes(t *testing.T) {
	data := make([]byte, 1000)
	rand.Read(data)
	path := filepath.Join(t.TempDir(), gofakeit.Word()+".bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	for _, chunk := range []int{1, 999, 1000, 1001, transport.DefaultChunkSize} {
		var got bytes.Buffer
		var gotReq protocol.Request
		conn, done := startPeer(t, func(t *testing.T, c *transport.Conn, req protocol.Request) {
			gotReq = req
			if _, err := c.StreamToSink(int64(req.FileSize), &got); err != nil {
				t.Errorf("peer: body: %v", err)
				return
			}
			b, _ := protocol.AppendHeaderOnly(nil, protocol.StatusOK, req.FileName)
			reply(b)(t, c, req)
		})
		c := newTestClient(t, conn, WithChunkSize(chunk))

		res, err := c.Backup(t.Context(), path)
		if err != nil {
			t.Fatalf("chunk=%d: Backup failed: %v", chunk, err)
		}
		<-done
		if gotReq.Op != protocol.OpBackup || gotReq.FileName != path || gotReq.FileSize != 1000 {
			t.Fatalf("chunk=%d: peer got %+v", chunk, gotReq)
		}
		if gotReq.ClientID != uint32(c.ID()) {
			t.Fatalf("chunk=%d: client id %d on the wire, want %d", chunk, gotReq.ClientID, c.ID())
		}
		if !bytes.Equal(got.Bytes(), data) {
			t.Fatalf("chunk=%d: peer received %d bytes", chunk, got.Len())
		}
		if res.Status != protocol.StatusOK || res.Bytes != 1000 || res.FileName != path || res.Digest == "" {
			t.Fatalf("chunk=%d: Backup = %+v", chunk, res)
		}
	}
}

type recorder struct {
	bytes.Buffer
}

func (r *recorder) Read([]byte) (int, error) { return 0, io.EOF }

func TestBackupLocalErrorsSendNothing(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "nope.txt")},
		{"directory", dir},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var wire recorder
			c := newTestClient(t, &wire)
			res, err := c.Backup(t.Context(), tc.path)
			if !errors.Is(err, ErrLocalFile) {
				t.Fatalf("Backup error = %v, want ErrLocalFile", err)
			}
			if res != nil {
				t.Fatalf("Backup returned %+v without a server status", res)
			}
			if wire.Len() != 0 {
				t.Fatalf("Backup sent %d bytes for a bad local file", wire.Len())
			}
			if c.Err() != nil {
				t.Fatalf("local error broke the session: %v", c.Err())
			}
		})
	}
}

// slowSink accepts every write after a short pause, like a peer draining a
// slow disk.
type slowSink struct {
	bytes.Buffer
	pause time.Duration
}

func (s *slowSink) Write(p []byte) (int, error) {
	time.Sleep(s.pause)
	return s.Buffer.Write(p)
}

func TestBackupOutlivesTimeoutWhileProgressing(t *testing.T) {
	data := make([]byte, 40<<10)
	rand.Read(data)
	path := filepath.Join(t.TempDir(), "large.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	sink := &slowSink{pause: 10 * time.Millisecond}
	conn, done := startPeer(t, func(t *testing.T, c *transport.Conn, req protocol.Request) {
		if _, err := c.StreamToSink(int64(req.FileSize), sink); err != nil {
			t.Errorf("peer: body: %v", err)
			return
		}
		b, _ := protocol.AppendHeaderOnly(nil, protocol.StatusOK, req.FileName)
		reply(b)(t, c, req)
	})
	// 40 chunks at 10ms each takes well past the 150ms timeout in total.
	c := newTestClient(t, conn, WithChunkSize(1024), WithTimeout(150*time.Millisecond))

	res, err := c.Backup(t.Context(), path)
	if err != nil {
		t.Fatalf("Backup failed: %v (broken=%v)", err, c.Err())
	}
	<-done
	if res.Status != protocol.StatusOK || res.Bytes != int64(len(data)) {
		t.Fatalf("Backup = %+v", res)
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Fatalf("peer received %d bytes, want %d", sink.Len(), len(data))
	}
}

func TestBackupStallHitsTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stall.bin")
	if err := os.WriteFile(path, make([]byte, 8<<10), 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	release := make(chan struct{})
	conn, done := startPeer(t, func(*testing.T, *transport.Conn, protocol.Request) {
		<-release
	})
	c := newTestClient(t, conn, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.Backup(t.Context(), path)
	close(release)
	<-done
	if !errors.Is(err, transport.ErrConnection) {
		t.Fatalf("Backup error = %v, want ErrConnection", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stalled backup took %v to fail", elapsed)
	}
	if c.Err() == nil {
		t.Fatal("session not marked broken after a stall")
	}
}

func TestRestoreWritesBaseName(t *testing.T) {
	dir := t.TempDir()
	payload := []byte(gofakeit.LoremIpsumSentence(20))
	conn, done := startPeer(t, replyPayload(protocol.StatusRestored, "nested/dir/report.txt", payload))
	c := newTestClient(t, conn, WithRestoreDir(dir))

	res, err := c.Restore(t.Context(), "nested/dir/report.txt")
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	<-done
	want := filepath.Join(dir, "report.txt")
	if res.SavedAs != want || res.Bytes != int64(len(payload)) {
		t.Fatalf("Restore = %+v, want saved as %s", res, want)
	}
	got, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("Failed to read restored file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("restored content differs from payload")
	}
}

func TestRestoreNotFoundWritesNothing(t *testing.T) {
	dir := t.TempDir()
	b, _ := protocol.AppendHeaderOnly(nil, protocol.StatusNotFound, "gone.txt")
	conn, done := startPeer(t, reply(b))
	c := newTestClient(t, conn, WithRestoreDir(dir))

	res, err := c.Restore(t.Context(), "gone.txt")
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	<-done
	if res.Status != protocol.StatusNotFound || res.SavedAs != "" || res.FileName != "gone.txt" {
		t.Fatalf("Restore = %+v", res)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("restore dir has %d entries, want 0", len(entries))
	}
}

func TestRestoreUnsafeNameKeepsSession(t *testing.T) {
	dir := t.TempDir()
	conn, done := startPeer(t,
		replyPayload(protocol.StatusRestored, "../", []byte("should be drained")),
		replyMinimal(protocol.StatusNoFiles),
	)
	c := newTestClient(t, conn, WithRestoreDir(dir))

	res, err := c.Restore(t.Context(), "x")
	if !errors.Is(err, ErrUnsafeName) {
		t.Fatalf("Restore error = %v, want ErrUnsafeName", err)
	}
	if res == nil || res.Status != protocol.StatusRestored {
		t.Fatalf("Restore result = %+v, want status kept", res)
	}

	list, err := c.List(t.Context())
	if err != nil {
		t.Fatalf("List after unsafe restore failed: %v", err)
	}
	if list.Status != protocol.StatusNoFiles {
		t.Fatalf("List status = %d, stream out of sync", list.Status)
	}
	<-done
}

func TestConnectionFaultEndsSession(t *testing.T) {
	conn, done := startPeer(t, func(*testing.T, *transport.Conn, protocol.Request) {})
	c := newTestClient(t, conn)

	if _, err := c.Delete(t.Context(), "a.txt"); !errors.Is(err, transport.ErrConnection) {
		t.Fatalf("Delete error = %v, want ErrConnection", err)
	}
	<-done
	if c.Err() == nil {
		t.Fatal("session not marked broken")
	}
	if _, err := c.List(t.Context()); !errors.Is(err, ErrBroken) {
		t.Fatalf("List after fault = %v, want ErrBroken", err)
	}
}

func TestTruncatedResponseEndsSession(t *testing.T) {
	// 212 promises a name block but the peer stops after two of its bytes.
	wire := append(protocol.AppendMinimal(nil, protocol.StatusOK), 5, 0)
	conn, done := startPeer(t, reply(wire))
	c := newTestClient(t, conn)

	_, err := c.Delete(t.Context(), "hello")
	if !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("Delete error = %v, want ErrTruncated", err)
	}
	<-done
	if _, err := c.Delete(t.Context(), "hello"); !errors.Is(err, ErrBroken) {
		t.Fatalf("second Delete = %v, want ErrBroken", err)
	}
}

func TestSaveName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"report.txt", "report.txt", true},
		{"a/b/c.txt", "c.txt", true},
		{"../../etc/passwd", "passwd", true},
		{`C:\Users\me\notes.md`, "notes.md", true},
		{"", "", false},
		{"..", "", false},
		{"dir/.", "", false},
		{"trailing/", "", false},
	}
	for _, tc := range tests {
		got, err := SaveName(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("SaveName(%q) error = %v, ok want %v", tc.in, err, tc.ok)
		}
		if !tc.ok && !errors.Is(err, ErrUnsafeName) {
			t.Fatalf("SaveName(%q) error = %v, want ErrUnsafeName", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("SaveName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseListing(t *testing.T) {
	if lines, err := ParseListing([]byte("  \n")); err != nil || lines != nil {
		t.Fatalf("blank listing = %q, %v", lines, err)
	}
	if _, err := ParseListing([]byte{'a', 0xC3, 0xA9}); !errors.Is(err, ErrListing) {
		t.Fatalf("non-ASCII listing error = %v, want ErrListing", err)
	}
}
