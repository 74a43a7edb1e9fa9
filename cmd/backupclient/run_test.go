package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/dps_backup/src/config"
	"github.com/danmuck/dps_backup/src/journal"
	"github.com/danmuck/dps_backup/src/server"
	"github.com/danmuck/dps_backup/src/store"
)

func TestDemoFlowAgainstServer(t *testing.T) {
	st, err := store.InitStore(store.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("InitStore failed: %v", err)
	}
	srv := server.New(st)
	if err := srv.ListenAndServe("127.0.0.1:0"); err != nil {
		t.Fatalf("ListenAndServe failed: %v", err)
	}
	defer srv.Close()

	dir := t.TempDir()
	var files []string
	for _, name := range []string{"first.txt", "second.txt"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("contents of "+name), 0o644); err != nil {
			t.Fatalf("Failed to write fixture: %v", err)
		}
		files = append(files, path)
	}

	cfg := config.Default()
	cfg.Server = srv.Addr().String()
	cfg.Files = files
	cfg.Timeout = 5 * time.Second
	cfg.RestoreDir = t.TempDir()
	cfg.JournalPath = filepath.Join(t.TempDir(), "journal.jsonl")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	s, err := openSession(t.Context(), cfg, false)
	if err != nil {
		t.Fatalf("openSession failed: %v", err)
	}
	ok := demoSteps(t.Context(), s, cfg.Files)
	s.Close()
	if !ok {
		t.Fatalf("demo stopped early: %v", s.fault())
	}

	records, err := journal.Read(cfg.JournalPath)
	if err != nil {
		t.Fatalf("journal.Read failed: %v", err)
	}
	want := []struct {
		op     string
		status int
	}{
		{"list", 1002},
		{"backup", 212},
		{"backup", 212},
		{"list", 211},
		{"restore", 210},
		{"delete", 212},
		{"restore", 1001},
	}
	if len(records) != len(want) {
		t.Fatalf("journal has %d records, want %d", len(records), len(want))
	}
	for i, w := range want {
		if records[i].Op != w.op || records[i].Status != w.status {
			t.Fatalf("step %d = %s/%d, want %s/%d", i+1, records[i].Op, records[i].Status, w.op, w.status)
		}
	}

	restored, err := os.ReadFile(filepath.Join(cfg.RestoreDir, "first.txt"))
	if err != nil || string(restored) != "contents of first.txt" {
		t.Fatalf("restored file = %q, %v", restored, err)
	}
}

func TestDemoFlowWithoutFiles(t *testing.T) {
	st, err := store.InitStore(store.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("InitStore failed: %v", err)
	}
	srv := server.New(st)
	if err := srv.ListenAndServe("127.0.0.1:0"); err != nil {
		t.Fatalf("ListenAndServe failed: %v", err)
	}
	defer srv.Close()

	cfg := config.Default()
	cfg.Server = srv.Addr().String()
	cfg.JournalPath = ""

	s, err := openSession(t.Context(), cfg, false)
	if err != nil {
		t.Fatalf("openSession failed: %v", err)
	}
	defer s.Close()
	if !demoSteps(t.Context(), s, nil) {
		t.Fatalf("demo without files stopped early: %v", s.fault())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5 MiB"},
	}
	for _, tc := range tests {
		if got := formatBytes(tc.in); got != tc.want {
			t.Fatalf("formatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
