package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultServerInfo  = "server.info"
	DefaultBackupInfo  = "backup.info"
	DefaultChunkSize   = 4096
	DefaultTimeout     = 30 * time.Second
	DefaultJournalPath = "./local/logs/journal.jsonl"
)

var ErrConfig = errors.New("config")

// Error is a configuration fault tied to the file that caused it.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrConfig, e.Err} }

// Config holds everything the client needs before it connects. Server and
// Files take precedence over the legacy server.info / backup.info files.
type Config struct {
	Server     string   `toml:"server"`
	ServerInfo string   `toml:"server_info"`
	Files      []string `toml:"files"`
	BackupInfo string   `toml:"backup_info"`

	ChunkSize      int           `toml:"chunk_size"`
	Timeout        time.Duration `toml:"timeout"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`

	RestoreDir  string `toml:"restore_dir"`
	JournalPath string `toml:"journal_path"`
	DebugWire   bool   `toml:"debug_wire"`
}

func Default() Config {
	return Config{
		ServerInfo:     DefaultServerInfo,
		BackupInfo:     DefaultBackupInfo,
		ChunkSize:      DefaultChunkSize,
		Timeout:        DefaultTimeout,
		ConnectTimeout: DefaultTimeout,
		RestoreDir:     ".",
		JournalPath:    DefaultJournalPath,
	}
}

// Load overlays the TOML file at path onto Default. An empty path returns
// the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, &Error{Path: path, Err: err}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, &Error{Path: path, Err: fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))}
	}
	return cfg, nil
}

// Resolve fills Server and Files from the legacy files when they were not
// set directly, then validates the result.
func (c *Config) Resolve() error {
	if err := c.resolveServer(); err != nil {
		return err
	}
	if len(c.Files) == 0 && c.BackupInfo != "" {
		files, err := LoadBackupInfo(c.BackupInfo)
		if err != nil {
			return err
		}
		c.Files = files
	}
	return c.Validate()
}

// ResolveServer is Resolve for callers that take their files elsewhere:
// backup_info is kept as configured but not read.
func (c *Config) ResolveServer() error {
	if err := c.resolveServer(); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) resolveServer() error {
	if c.Server != "" {
		return nil
	}
	addr, err := LoadServerInfo(c.ServerInfo)
	if err != nil {
		return err
	}
	c.Server = addr
	return nil
}

func (c Config) Validate() error {
	if err := checkAddr(c.Server); err != nil {
		return &Error{Err: err}
	}
	if c.ChunkSize <= 0 {
		return &Error{Err: fmt.Errorf("chunk_size must be >= 1, got %d", c.ChunkSize)}
	}
	if c.Timeout < 0 || c.ConnectTimeout < 0 {
		return &Error{Err: errors.New("timeouts must not be negative")}
	}
	if c.RestoreDir == "" {
		return &Error{Err: errors.New("restore_dir is empty")}
	}
	return nil
}

// LoadServerInfo reads a file holding a single host:port line.
func LoadServerInfo(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", &Error{Path: path, Err: err}
	}
	addr := strings.TrimSpace(string(raw))
	if err := checkAddr(addr); err != nil {
		return "", &Error{Path: path, Err: err}
	}
	return addr, nil
}

// LoadBackupInfo reads one local path per line. Blank lines are skipped.
func LoadBackupInfo(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	var files []string
	for line := range strings.SplitSeq(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func checkAddr(addr string) error {
	if addr == "" {
		return errors.New("server address is empty")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("server address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("server address %q has no host", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("server address %q: port must be 1-65535", addr)
	}
	return nil
}
