package server

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/danmuck/dps_backup/src/api/protocol"
	"github.com/danmuck/dps_backup/src/api/transport"
	"github.com/danmuck/dps_backup/src/store"
	logs "github.com/danmuck/smplog"
)

// list: 211 with an empty name and one name per line, or 1002 when the
// client has nothing stored.
func (s *Server) handleList(conn *transport.Conn, req protocol.Request) (protocol.StatusCode, error) {
	names, err := s.store.List(req.ClientID)
	if err != nil {
		logs.Warnf("list for client %d: %v", req.ClientID, err)
		return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, "")
	}
	if len(names) == 0 {
		return protocol.StatusNoFiles, s.reply(conn, protocol.StatusNoFiles, "")
	}

	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	payload := b.String()
	if int64(len(payload)) > math.MaxUint32 {
		return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, "")
	}

	hdr, err := protocol.AppendPayloadHeader(nil, protocol.StatusListed, "", uint32(len(payload)))
	if err != nil {
		return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, "")
	}
	if err := conn.SendExact(append(hdr, payload...)); err != nil {
		return protocol.StatusListed, err
	}
	s.metrics.addBytes("out", int64(len(payload)))
	return protocol.StatusListed, nil
}

// backup: the body is always consumed, even when it cannot be stored, so the
// next request starts on a frame boundary.
func (s *Server) handleBackup(conn *transport.Conn, req protocol.Request) (protocol.StatusCode, error) {
	size := int64(req.FileSize)
	up, err := s.store.Create(req.ClientID, req.FileName, uint64(req.FileSize))
	if err != nil {
		logs.Warnf("backup %q for client %d: %v", req.FileName, req.ClientID, err)
		n, derr := conn.StreamToSink(size, io.Discard)
		s.metrics.addBytes("in", n)
		if derr != nil {
			return protocol.StatusServerError, derr
		}
		return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, req.FileName)
	}

	n, err := conn.StreamToSink(size, up)
	s.metrics.addBytes("in", n)
	if err != nil {
		up.Abort()
		var se *transport.SinkError
		if !errors.As(err, &se) {
			return protocol.StatusServerError, err
		}
		logs.Warnf("backup %q for client %d: %v", req.FileName, req.ClientID, se.Err)
		return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, req.FileName)
	}
	if _, err := up.Commit(); err != nil {
		logs.Warnf("backup %q for client %d: %v", req.FileName, req.ClientID, err)
		return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, req.FileName)
	}
	return protocol.StatusOK, s.reply(conn, protocol.StatusOK, req.FileName)
}

// restore: 210 with the file as payload, or 1001 when it is not stored.
func (s *Server) handleRestore(conn *transport.Conn, req protocol.Request) (protocol.StatusCode, error) {
	rc, md, err := s.store.Open(req.ClientID, req.FileName)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidName):
		return protocol.StatusNotFound, s.reply(conn, protocol.StatusNotFound, req.FileName)
	case err != nil:
		logs.Warnf("restore %q for client %d: %v", req.FileName, req.ClientID, err)
		return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, req.FileName)
	}
	defer rc.Close()

	if md.Size > math.MaxUint32 {
		return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, req.FileName)
	}
	hdr, err := protocol.AppendPayloadHeader(nil, protocol.StatusRestored, req.FileName, uint32(md.Size))
	if err != nil {
		return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, req.FileName)
	}
	if err := conn.SendExact(hdr); err != nil {
		return protocol.StatusRestored, err
	}

	// Past the header the payload length is promised; any failure here
	// leaves the client mid-frame.
	n, err := conn.StreamFromSource(rc, int64(md.Size))
	s.metrics.addBytes("out", n)
	if err != nil {
		return protocol.StatusRestored, fmt.Errorf("stream %q: %w", req.FileName, err)
	}
	return protocol.StatusRestored, nil
}

// delete: 212 whether or not the file existed.
func (s *Server) handleDelete(conn *transport.Conn, req protocol.Request) (protocol.StatusCode, error) {
	err := s.store.Delete(req.ClientID, req.FileName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logs.Warnf("delete %q for client %d: %v", req.FileName, req.ClientID, err)
		return protocol.StatusServerError, s.reply(conn, protocol.StatusServerError, req.FileName)
	}
	return protocol.StatusOK, s.reply(conn, protocol.StatusOK, req.FileName)
}
