package main

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/dps_backup/src/api/transport"
	"github.com/danmuck/dps_backup/src/client"
	"github.com/danmuck/dps_backup/src/config"
	"github.com/danmuck/dps_backup/src/journal"
	logs "github.com/danmuck/smplog"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	serverInfo string
	backupInfo string
	chunkSize  int
	timeout    time.Duration
	restoreDir string
	journal    string
	debugWire  bool
	noProgress bool
}

func (f *rootFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "TOML configuration file")
	pf.StringVar(&f.serverInfo, "server-info", config.DefaultServerInfo, "file holding host:port of the backup server")
	pf.StringVar(&f.backupInfo, "backup-info", config.DefaultBackupInfo, "file listing local paths to back up, one per line")
	pf.IntVar(&f.chunkSize, "chunk-size", config.DefaultChunkSize, "streaming chunk size in bytes")
	pf.DurationVar(&f.timeout, "timeout", config.DefaultTimeout, "fail when the connection makes no progress for this long (0 disables)")
	pf.StringVar(&f.restoreDir, "restore-dir", ".", "directory restored files are written to")
	pf.StringVar(&f.journal, "journal", config.DefaultJournalPath, "operation journal path (empty disables)")
	pf.BoolVar(&f.debugWire, "debug-wire", false, "log every byte on the wire at debug level")
	pf.BoolVar(&f.noProgress, "no-progress", false, "hide transfer progress bars")
}

// loadConfig reads the TOML file, then applies only the flags the user set.
func loadConfig(cmd *cobra.Command, f *rootFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("server-info") {
		cfg.ServerInfo, cfg.Server = f.serverInfo, ""
	}
	if flags.Changed("backup-info") {
		cfg.BackupInfo, cfg.Files = f.backupInfo, nil
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = f.chunkSize
	}
	if flags.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if flags.Changed("restore-dir") {
		cfg.RestoreDir = f.restoreDir
	}
	if flags.Changed("journal") {
		cfg.JournalPath = f.journal
	}
	if flags.Changed("debug-wire") {
		cfg.DebugWire = f.debugWire
	}
	return cfg, nil
}

// session pairs a client with the journal that records its operations.
type session struct {
	client  *client.Client
	journal *journal.Journal
}

func openSession(ctx context.Context, cfg config.Config, showProgress bool) (*session, error) {
	opts := []client.Option{
		client.WithChunkSize(cfg.ChunkSize),
		client.WithTimeout(cfg.Timeout),
		client.WithDialTimeout(cfg.ConnectTimeout),
		client.WithRestoreDir(cfg.RestoreDir),
		client.WithProgress(&progressBar{show: showProgress}),
	}
	if cfg.DebugWire {
		opts = append(opts, client.WithWireTrace())
	}

	c, err := client.Dial(ctx, cfg.Server, opts...)
	if err != nil {
		return nil, err
	}
	logs.Infof("connected to %s as client %d", cfg.Server, c.ID())

	s := &session{client: c}
	if cfg.JournalPath != "" {
		s.journal = journal.New(cfg.JournalPath)
	}
	return s, nil
}

func (s *session) Close() error {
	return s.client.Close()
}

// finish renders r, appends it to the journal and reports whether the
// session can go on.
func (s *session) finish(r opReport) bool {
	renderReport(r)
	if s.journal != nil {
		rec := journal.Record{
			Op:        r.Op,
			File:      r.Name,
			Status:    int(r.Status),
			Bytes:     r.Bytes,
			Digest:    r.Digest,
			Elapsed:   r.Elapsed,
			ClientID:  uint32(s.client.ID()),
			StartedAt: r.StartedAt,
		}
		if r.Status != 0 {
			rec.StatusText = r.Status.String()
		}
		if r.Err != nil {
			rec.Err = r.Err.Error()
		}
		if err := s.journal.Append(rec); err != nil {
			logs.Warnf("journal: %v", err)
		}
	}
	return s.client.Err() == nil
}

// sessionFault is the error a command exits with when the connection died.
func (s *session) fault() error {
	if err := s.client.Err(); err != nil {
		return errors.Join(transport.ErrConnection, err)
	}
	return nil
}

func (s *session) list(ctx context.Context) (*client.ListResult, bool) {
	r := opReport{Op: "list", StartedAt: time.Now()}
	res, err := s.client.List(ctx)
	r.Elapsed, r.Err = time.Since(r.StartedAt), err
	if res != nil {
		r.Status, r.Lines = res.Status, res.Lines
	}
	return res, s.finish(r)
}

func (s *session) backup(ctx context.Context, path string) bool {
	logs.Titlef("\nBacking up %s\n", path)
	r := opReport{Op: "backup", Name: path, StartedAt: time.Now()}
	res, err := s.client.Backup(ctx, path)
	r.Elapsed, r.Err = time.Since(r.StartedAt), err
	if res != nil {
		r.Status, r.Bytes, r.Digest = res.Status, res.Bytes, res.Digest
	}
	return s.finish(r)
}

func (s *session) restore(ctx context.Context, name string) bool {
	logs.Titlef("\nRestoring %s\n", name)
	r := opReport{Op: "restore", Name: name, StartedAt: time.Now()}
	res, err := s.client.Restore(ctx, name)
	r.Elapsed, r.Err = time.Since(r.StartedAt), err
	if res != nil {
		r.Status, r.Bytes, r.Digest, r.SavedAs = res.Status, res.Bytes, res.Digest, res.SavedAs
	}
	return s.finish(r)
}

func (s *session) delete(ctx context.Context, name string) bool {
	logs.Titlef("\nDeleting %s\n", name)
	r := opReport{Op: "delete", Name: name, StartedAt: time.Now()}
	res, err := s.client.Delete(ctx, name)
	r.Elapsed, r.Err = time.Since(r.StartedAt), err
	if res != nil {
		r.Status = res.Status
	}
	return s.finish(r)
}
