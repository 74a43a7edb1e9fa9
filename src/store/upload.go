package store

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Upload receives the bytes of one file. Nothing becomes visible until
// Commit; Abort (or a failed Commit) leaves the store unchanged.
type Upload struct {
	store  *Store
	client uint32
	name   string
	size   uint64

	dataPath string
	metaPath string
	tmp      *os.File
	enc      *zstd.Encoder
	hasher   *blake3.Hasher
	written  uint64
	done     bool
}

// Create starts an upload of size bytes under name. An existing file with
// the same name is replaced on Commit.
func (s *Store) Create(client uint32, name string, size uint64) (*Upload, error) {
	dataPath, metaPath, err := s.paths(client, name)
	if err != nil {
		return nil, err
	}
	dir := s.clientDir(client)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create client directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix+"*"+DataExtension)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp upload file: %w", err)
	}
	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	return &Upload{
		store:    s,
		client:   client,
		name:     name,
		size:     size,
		dataPath: dataPath,
		metaPath: metaPath,
		tmp:      tmp,
		enc:      enc,
		hasher:   blake3.New(),
	}, nil
}

func (u *Upload) Write(p []byte) (int, error) {
	if u.done {
		return 0, fmt.Errorf("store: write after upload finished")
	}
	n, err := u.enc.Write(p)
	u.hasher.Write(p[:n])
	u.written += uint64(n)
	return n, err
}

func (u *Upload) Written() uint64 { return u.written }

// Commit publishes the upload. The byte count must match the size given to
// Create.
func (u *Upload) Commit() (MetaData, error) {
	if u.done {
		return MetaData{}, fmt.Errorf("store: upload already finished")
	}
	u.done = true
	tmpPath := u.tmp.Name()
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	if u.written != u.size {
		u.enc.Close()
		u.tmp.Close()
		return MetaData{}, fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, u.written, u.size)
	}
	if err := u.enc.Close(); err != nil {
		u.tmp.Close()
		return MetaData{}, fmt.Errorf("failed to finish compressed stream: %w", err)
	}
	info, err := u.tmp.Stat()
	if err != nil {
		u.tmp.Close()
		return MetaData{}, fmt.Errorf("failed to stat temp upload file: %w", err)
	}
	if err := u.tmp.Close(); err != nil {
		return MetaData{}, fmt.Errorf("failed to close temp upload file: %w", err)
	}

	md := MetaData{
		FileName:   u.name,
		Size:       u.size,
		StoredSize: uint64(info.Size()),
		Blake3:     hex.EncodeToString(u.hasher.Sum(nil)),
		StoredAt:   time.Now().UnixNano(),
	}

	metaTmp, err := os.CreateTemp(filepath.Dir(u.metaPath), tmpPrefix+"*"+MetadataExtension)
	if err != nil {
		return MetaData{}, fmt.Errorf("failed to create temp metadata file: %w", err)
	}
	metaTmpPath := metaTmp.Name()
	if err := writeMetaData(metaTmp, md); err != nil {
		metaTmp.Close()
		os.Remove(metaTmpPath)
		return MetaData{}, err
	}
	if err := metaTmp.Close(); err != nil {
		os.Remove(metaTmpPath)
		return MetaData{}, fmt.Errorf("failed to close temp metadata file: %w", err)
	}

	u.store.lock.Lock()
	defer u.store.lock.Unlock()

	if err := os.Rename(tmpPath, u.dataPath); err != nil {
		os.Remove(metaTmpPath)
		return MetaData{}, fmt.Errorf("failed to publish data file: %w", err)
	}
	cleanupTmp = false
	if err := os.Rename(metaTmpPath, u.metaPath); err != nil {
		os.Remove(metaTmpPath)
		os.Remove(u.dataPath)
		return MetaData{}, fmt.Errorf("failed to publish metadata file: %w", err)
	}

	if u.store.config.Verbose {
		logs.Infof("store: client %d stored %q (%d bytes, %d on disk)", u.client, u.name, md.Size, md.StoredSize)
	}
	return md, nil
}

// Abort discards the upload. It is a no-op after Commit.
func (u *Upload) Abort() {
	if u.done {
		return
	}
	u.done = true
	u.enc.Close()
	u.tmp.Close()
	os.Remove(u.tmp.Name())
}
