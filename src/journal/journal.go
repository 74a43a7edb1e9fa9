package journal

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Record is one finished operation.
type Record struct {
	Op         string
	File       string
	Status     int
	StatusText string
	Bytes      int64
	Digest     string
	Elapsed    time.Duration
	Err        string
	ClientID   uint32
	StartedAt  time.Time
}

func (r Record) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"op":          r.Op,
		"file":        r.File,
		"status":      r.Status,
		"status_text": r.StatusText,
		"bytes":       r.Bytes,
		"digest":      r.Digest,
		"elapsed_ms":  r.Elapsed.Milliseconds(),
		"error":       r.Err,
		"client_id":   int64(r.ClientID),
		"started_at":  r.StartedAt.UTC().Format(time.RFC3339Nano),
	})
}

func fromStruct(s *structpb.Struct) Record {
	f := s.GetFields()
	num := func(k string) float64 { return f[k].GetNumberValue() }
	str := func(k string) string { return f[k].GetStringValue() }

	started, _ := time.Parse(time.RFC3339Nano, str("started_at"))
	return Record{
		Op:         str("op"),
		File:       str("file"),
		Status:     int(num("status")),
		StatusText: str("status_text"),
		Bytes:      int64(num("bytes")),
		Digest:     str("digest"),
		Elapsed:    time.Duration(num("elapsed_ms")) * time.Millisecond,
		Err:        str("error"),
		ClientID:   uint32(num("client_id")),
		StartedAt:  started,
	}
}

// Journal appends records to a file, one protojson object per line.
type Journal struct {
	path string
	mu   sync.Mutex
}

// New returns a journal writing to path. The parent directory is created on
// first append.
func New(path string) *Journal {
	return &Journal{path: path}
}

func (j *Journal) Path() string { return j.path }

func (j *Journal) Append(r Record) error {
	s, err := r.toStruct()
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}
	line, err := protojson.MarshalOptions{Multiline: false}.Marshal(s)
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write %s: %w", j.path, err)
	}
	return nil
}

// Read parses every record in the journal at path, oldest first.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var s structpb.Struct
		if err := protojson.Unmarshal(line, &s); err != nil {
			return out, fmt.Errorf("journal: %s line %d: %w", path, n, err)
		}
		out = append(out, fromStruct(&s))
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("journal: %w", err)
	}
	return out, nil
}
