package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type MetaData struct {
	FileName   string `toml:"file_name"`
	Size       uint64 `toml:"size"`
	StoredSize uint64 `toml:"stored_size"` // compressed bytes on disk
	Blake3     string `toml:"blake3"`
	StoredAt   int64  `toml:"stored_at"` // unix nanoseconds
}

func (md MetaData) StoredTime() time.Time {
	return time.Unix(0, md.StoredAt)
}

func readMetaData(path string) (MetaData, error) {
	var md MetaData
	if _, err := toml.DecodeFile(path, &md); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return md, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return md, fmt.Errorf("failed to decode metadata file: %w", err)
	}
	return md, nil
}

func writeMetaData(f *os.File, md MetaData) error {
	encoder := toml.NewEncoder(f)
	encoder.Indent = "  "
	if err := encoder.Encode(md); err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return nil
}
