// gen_fixtures writes a set of files for the backup client to upload and a
// backup.info listing them.
//
// Usage:
//
//	go run ./cmd/gen_fixtures [-n 3] [-dir local/upload] [-server host:port] <size>
//
// Size accepts suffixes: B, KB, MB, GB (e.g., "256KB", "1MB", "65536").
// Files whose name and size already match are reused. With -server, a
// server.info pointing at that address is written next to backup.info.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/danmuck/dps_backup/src/config"
	logs "github.com/danmuck/smplog"
)

const DefaultUploadDir = "local/upload"

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"GB", 30},
	{"MB", 20},
	{"KB", 10},
	{"B", 0},
}

func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	var shift uint
	for _, u := range sizeUnits {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			s, shift = num, u.shift
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	if n > math.MaxInt64>>shift {
		return 0, fmt.Errorf("invalid size %q: overflows int64", s)
	}
	return n << shift, nil
}

// sizeLabel picks the largest unit that divides size exactly.
func sizeLabel(size int64) string {
	if size > 0 {
		for _, u := range sizeUnits[:3] {
			if size%(1<<u.shift) == 0 {
				return fmt.Sprintf("%d%s", size>>u.shift, u.suffix)
			}
		}
	}
	return fmt.Sprintf("%dB", size)
}

// fixtureNames returns count distinct names that sort in generation order.
func fixtureNames(faker *gofakeit.Faker, count int, size int64) []string {
	names := make([]string, 0, count)
	for i := range count {
		word := strings.ToLower(faker.Word())
		names = append(names, fmt.Sprintf("%02d_%s_%s.dat", i+1, word, sizeLabel(size)))
	}
	return names
}

// writeFixtures creates the files under dir and writes backup.info listing
// their paths. It returns the listed paths.
func writeFixtures(dir string, names []string, size int64) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := writeRandomFile(path, size); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		paths = append(paths, path)
	}

	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	info := filepath.Join(dir, config.DefaultBackupInfo)
	if err := os.WriteFile(info, []byte(b.String()), 0o644); err != nil {
		return nil, err
	}
	return paths, nil
}

func writeRandomFile(path string, size int64) error {
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() && info.Size() == size {
		logs.Debugf("reusing %s (%d bytes)", path, size)
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, rand.Reader, size); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func main() {
	count := flag.Int("n", 3, "number of files to generate")
	dir := flag.String("dir", DefaultUploadDir, "output directory")
	server := flag.String("server", "", "also write server.info with this address")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gen_fixtures [flags] <size>\n")
		fmt.Fprintf(os.Stderr, "  size: number with optional suffix (B, KB, MB, GB)\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 || *count < 1 {
		flag.Usage()
		os.Exit(1)
	}
	size, err := parseSize(flag.Arg(0))
	if err != nil {
		logs.Fatalf(err, "bad size")
	}
	if size > 1<<32-1 {
		logs.Fatalf(fmt.Errorf("%d bytes", size), "size exceeds the 4 GiB protocol limit")
	}

	names := fixtureNames(gofakeit.New(0), *count, size)
	paths, err := writeFixtures(*dir, names, size)
	if err != nil {
		logs.Fatalf(err, "failed to write fixtures")
	}
	for _, p := range paths {
		logs.Infof("generated %s (%d bytes)", p, size)
	}

	if *server != "" {
		info := filepath.Join(*dir, config.DefaultServerInfo)
		if err := os.WriteFile(info, []byte(*server+"\n"), 0o644); err != nil {
			logs.Fatalf(err, "failed to write %s", info)
		}
		logs.Infof("wrote %s", info)
	}
}
