package protocol

import (
	"io"
)

// Source is a byte source that delivers exactly what is asked for or fails.
// transport.Conn satisfies it; ReaderSource adapts a plain io.Reader.
type Source interface {
	RecvExact(n int) ([]byte, error)
	StreamToSink(n int64, sink io.Writer) (int64, error)
}

// ReaderSource adapts an io.Reader, mostly for tests and in-memory decoding.
type ReaderSource struct {
	R io.Reader
}

func (s ReaderSource) RecvExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.R, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s ReaderSource) StreamToSink(n int64, sink io.Writer) (int64, error) {
	written, err := io.CopyN(sink, s.R, n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return written, err
}
