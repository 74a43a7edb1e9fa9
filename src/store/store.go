package store

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	logs "github.com/danmuck/smplog"
	"github.com/klauspost/compress/zstd"
)

const (
	DataExtension     = ".zst"
	MetadataExtension = ".toml"
	tmpPrefix         = ".upload-"
)

var (
	ErrNotFound     = errors.New("store: file not found")
	ErrInvalidName  = errors.New("store: invalid file name")
	ErrSizeMismatch = errors.New("store: upload size mismatch")
)

// Config controls a Store instance.
type Config struct {
	RootDir string // one subdirectory per client id below this
	Verbose bool   // log every stored, restored and deleted file
}

func DefaultConfig(rootDir string) Config {
	return Config{RootDir: rootDir}
}

// Store keeps backed-up files per client: a zstd blob and a TOML metadata
// file per name.
type Store struct {
	root   string
	config Config
	lock   sync.RWMutex
}

// InitStore creates the root directory if needed.
func InitStore(cfg Config) (*Store, error) {
	if cfg.RootDir == "" {
		return nil, errors.New("store: empty root directory")
	}
	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	s := &Store{root: cfg.RootDir, config: cfg}
	if err := s.cleanTemp(); err != nil {
		logs.Warnf("store: %v", err)
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) clientDir(client uint32) string {
	return filepath.Join(s.root, strconv.FormatUint(uint64(client), 10))
}

func isControl(r rune) bool { return r < 0x20 || r == 0x7f }

// diskName maps a wire name onto a single path component.
func diskName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	// Listings are newline separated, so no stored name may hold a control
	// character.
	if i := strings.IndexFunc(name, isControl); i >= 0 {
		return "", fmt.Errorf("%w: %q has a control character at offset %d", ErrInvalidName, name, i)
	}
	esc := url.PathEscape(name)
	if esc == "." || esc == ".." || strings.HasPrefix(esc, tmpPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return esc, nil
}

func (s *Store) paths(client uint32, name string) (data, meta string, err error) {
	base, err := diskName(name)
	if err != nil {
		return "", "", err
	}
	dir := s.clientDir(client)
	return filepath.Join(dir, base+DataExtension), filepath.Join(dir, base+MetadataExtension), nil
}

// Stat returns the metadata stored for name.
func (s *Store) Stat(client uint32, name string) (MetaData, error) {
	_, metaPath, err := s.paths(client, name)
	if err != nil {
		return MetaData{}, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	return readMetaData(metaPath)
}

// Open returns a reader over the original bytes of name and its metadata.
// The caller must close the reader.
func (s *Store) Open(client uint32, name string) (io.ReadCloser, MetaData, error) {
	dataPath, metaPath, err := s.paths(client, name)
	if err != nil {
		return nil, MetaData{}, err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	md, err := readMetaData(metaPath)
	if err != nil {
		return nil, MetaData{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, MetaData{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, MetaData{}, fmt.Errorf("failed to open data file: %w", err)
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, MetaData{}, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &blobReader{dec: dec, f: f}, md, nil
}

type blobReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *blobReader) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *blobReader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// Delete removes name. A missing name returns ErrNotFound.
func (s *Store) Delete(client uint32, name string) error {
	dataPath, metaPath, err := s.paths(client, name)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	metaErr := os.Remove(metaPath)
	dataErr := os.Remove(dataPath)
	if os.IsNotExist(metaErr) && os.IsNotExist(dataErr) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	for _, err := range []error{metaErr, dataErr} {
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}
	if s.config.Verbose {
		logs.Infof("store: client %d deleted %q", client, name)
	}
	return nil
}

// List returns the names stored for client, sorted. A client that never
// stored anything has an empty list.
func (s *Store) List(client uint32) ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	entries, err := os.ReadDir(s.clientDir(client))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read client directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), MetadataExtension) {
			continue
		}
		if strings.HasPrefix(entry.Name(), tmpPrefix) {
			continue
		}
		md, err := readMetaData(filepath.Join(s.clientDir(client), entry.Name()))
		if err != nil {
			logs.Warnf("store: skipping %s: %v", entry.Name(), err)
			continue
		}
		names = append(names, md.FileName)
	}
	sort.Strings(names)
	return names, nil
}

// cleanTemp removes uploads left behind by a crash.
func (s *Store) cleanTemp() error {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", tmpPrefix+"*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale upload %s: %w", m, err)
		}
	}
	if len(matches) > 0 {
		logs.Infof("store: removed %d stale upload file(s)", len(matches))
	}
	return nil
}
