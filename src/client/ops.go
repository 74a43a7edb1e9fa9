package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/danmuck/dps_backup/src/api/protocol"
	"github.com/danmuck/dps_backup/src/api/transport"
	logs "github.com/danmuck/smplog"
	"github.com/zeebo/blake3"
)

// Result is what every operation reports: the status code and, when the
// response carried one, the server's file name.
type Result struct {
	Status      protocol.StatusCode
	Description string
	FileName    string
}

func (r *Result) fill(resp *protocol.Response) {
	r.Status = resp.Status
	r.Description = resp.Status.String()
	r.FileName = resp.FileName
}

type ListResult struct {
	Result
	Lines []string
}

type BackupResult struct {
	Result
	Bytes  int64
	Digest string // blake3 of the bytes sent
}

type RestoreResult struct {
	Result
	SavedAs string // empty when nothing was written
	Bytes   int64
	Digest  string // blake3 of the bytes written
}

// List asks for the names stored under this client's identity.
func (c *Client) List(ctx context.Context) (*ListResult, error) {
	out := &ListResult{}
	err := c.exec(ctx, protocol.OpList, "", &out.Result, func() error {
		resp, err := c.roundTrip(protocol.NewListRequest(uint32(c.id)), nil)
		if err != nil {
			return err
		}
		out.fill(resp)
		if !resp.HasPayload() {
			return nil
		}
		raw, err := resp.Bytes()
		if err != nil {
			return err
		}
		out.Lines, err = ParseListing(raw)
		return err
	})
	return finish(out, &out.Result, err)
}

// Backup sends the local file at path. The file is checked before any byte
// goes out; the wire name is path as given.
func (c *Client) Backup(ctx context.Context, path string) (*BackupResult, error) {
	out := &BackupResult{}
	err := c.exec(ctx, protocol.OpBackup, path, &out.Result, func() error {
		f, size, err := openLocal(path)
		if err != nil {
			return err
		}
		defer f.Close()

		req := protocol.NewBackupRequest(uint32(c.id), path, uint32(size))
		h := blake3.New()
		pw := c.beginProgress("backup", size)
		resp, err := c.roundTrip(req, func() error {
			n, err := c.conn.StreamFromSource(io.TeeReader(f, io.MultiWriter(h, pw)), size)
			out.Bytes = n
			return err
		})
		c.endProgress()
		if err != nil {
			var se *transport.SourceError
			if errors.As(err, &se) {
				return fmt.Errorf("%w: read %s: %w", ErrLocalFile, path, err)
			}
			return err
		}
		out.fill(resp)
		out.Digest = hex.EncodeToString(h.Sum(nil))

		if !resp.Drained() {
			logs.Warnf("backup %q: discarding unexpected %d byte payload", path, resp.PayloadSize)
			return resp.Discard()
		}
		return nil
	})
	return finish(out, &out.Result, err)
}

// Restore fetches name. The file is saved under the name the server
// returned, reduced to its last path component, inside the restore dir.
func (c *Client) Restore(ctx context.Context, name string) (*RestoreResult, error) {
	out := &RestoreResult{}
	err := c.exec(ctx, protocol.OpRestore, name, &out.Result, func() error {
		resp, err := c.roundTrip(protocol.NewRestoreRequest(uint32(c.id), name), nil)
		if err != nil {
			return err
		}
		out.fill(resp)
		if resp.Status != protocol.StatusRestored || resp.Drained() {
			return resp.Discard()
		}

		saveAs, err := SaveName(resp.FileName)
		if err != nil {
			if derr := resp.Discard(); derr != nil {
				return derr
			}
			return err
		}
		return c.saveRestored(resp, saveAs, out)
	})
	return finish(out, &out.Result, err)
}

func (c *Client) saveRestored(resp *protocol.Response, saveAs string, out *RestoreResult) error {
	path := filepath.Join(c.opts.restoreDir, saveAs)
	f, err := os.Create(path)
	if err != nil {
		if derr := resp.Discard(); derr != nil {
			return derr
		}
		return fmt.Errorf("%w: %w", ErrLocalFile, err)
	}

	h := blake3.New()
	pw := c.beginProgress("restore", int64(resp.PayloadSize))
	n, err := resp.WriteTo(io.MultiWriter(f, h, pw))
	c.endProgress()
	cerr := f.Close()
	out.Bytes = n

	if err == nil && cerr != nil {
		err = fmt.Errorf("%w: close %s: %w", ErrLocalFile, path, cerr)
	}
	if err != nil {
		os.Remove(path)
		var se *transport.SinkError
		if errors.As(err, &se) {
			return fmt.Errorf("%w: write %s: %w", ErrLocalFile, path, se.Err)
		}
		return err
	}

	out.SavedAs = path
	out.Digest = hex.EncodeToString(h.Sum(nil))
	return nil
}

// Delete removes name from the server.
func (c *Client) Delete(ctx context.Context, name string) (*Result, error) {
	out := &Result{}
	err := c.exec(ctx, protocol.OpDelete, name, out, func() error {
		resp, err := c.roundTrip(protocol.NewDeleteRequest(uint32(c.id), name), nil)
		if err != nil {
			return err
		}
		out.fill(resp)
		return resp.Discard()
	})
	return finish(out, out, err)
}

// finish returns the result whenever a status came back, even alongside a
// local error, so callers can still report the server's answer.
func finish[T any](out *T, res *Result, err error) (*T, error) {
	if err != nil && res.Status == 0 {
		return nil, err
	}
	return out, err
}

func openLocal(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrLocalFile, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%w: stat %s: %w", ErrLocalFile, path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s is not a regular file", ErrLocalFile, path)
	}
	if info.Size() > math.MaxUint32 {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, path, info.Size())
	}
	return f, info.Size(), nil
}
