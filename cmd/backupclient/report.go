package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/dps_backup/src/api/protocol"
	logs "github.com/danmuck/smplog"
)

// opReport holds the outcome of one operation for display and the journal.
type opReport struct {
	Op        string
	Name      string
	Status    protocol.StatusCode // zero when no response arrived
	Bytes     int64
	Digest    string
	SavedAs   string
	Lines     []string
	StartedAt time.Time
	Elapsed   time.Duration
	Err       error
}

// progressBar implements client.Progress. Each Begin starts a fresh meter
// that draws on stderr at most every redrawEvery.
type progressBar struct {
	show bool
	cur  *meter
}

const (
	redrawEvery = 50 * time.Millisecond
	barCells    = 30
)

func (p *progressBar) Begin(label string, total int64) io.Writer {
	p.cur = &meter{label: label, total: max(total, 0), show: p.show, start: time.Now()}
	return p.cur
}

func (p *progressBar) End() {
	if p.cur == nil {
		return
	}
	if p.cur.show {
		p.cur.draw()
		fmt.Fprint(os.Stderr, "\r\033[K")
	}
	p.cur = nil
}

type meter struct {
	label string
	total int64
	done  atomic.Int64
	show  bool
	start time.Time
	drawn time.Time
}

func (m *meter) Write(p []byte) (int, error) {
	m.done.Add(int64(len(p)))
	if m.show && time.Since(m.drawn) >= redrawEvery {
		m.draw()
		m.drawn = time.Now()
	}
	return len(p), nil
}

func (m *meter) draw() {
	done := m.done.Load()
	frac := 1.0
	if m.total > 0 {
		frac = min(float64(done)/float64(m.total), 1)
	}
	cells := int(frac * barCells)

	var speed uint64
	if secs := time.Since(m.start).Seconds(); secs > 0 {
		speed = uint64(float64(done) / secs)
	}
	label := m.label
	if len(label) > 8 {
		label = label[:8]
	}
	fmt.Fprintf(os.Stderr, "\r  %-8s |%s%s| %3.0f%% %s of %s at %s/s",
		label,
		strings.Repeat("#", cells), strings.Repeat(".", barCells-cells),
		frac*100,
		formatBytes(uint64(done)), formatBytes(uint64(m.total)), formatBytes(speed),
	)
}

// renderReport prints the status line and a short summary after every operation.
func renderReport(r opReport) {
	switch {
	case r.Status != 0:
		logs.Printf("%s (%d)\n", r.Status, uint16(r.Status))
	case r.Err != nil:
		logs.Printf("%s %q failed: %v\n", r.Op, r.Name, r.Err)
		return
	}
	if r.Err != nil {
		logs.Printf("  local error: %v\n", r.Err)
	}

	if len(r.Lines) > 0 {
		logs.Titlef("Files on server (%d):\n", len(r.Lines))
		for _, line := range r.Lines {
			logs.Dataf("    %s\n", line)
		}
	}
	if r.Bytes > 0 {
		logs.DataKV("bytes transferred", formatBytes(uint64(r.Bytes)))
		if r.Elapsed.Seconds() > 0 {
			logs.DataKV("avg throughput", formatBytes(uint64(float64(r.Bytes)/r.Elapsed.Seconds()))+"/s")
		}
	}
	if r.SavedAs != "" {
		logs.DataKV("saved as", r.SavedAs)
	}
	if r.Digest != "" {
		logs.DataKV("blake3", r.Digest)
	}
	logs.DataKV("elapsed", formatDuration(r.Elapsed))
}

var byteUnits = [...]string{"B", "KiB", "MiB", "GiB", "TiB"}

// formatBytes renders n in binary units with at most two decimals.
func formatBytes(n uint64) string {
	if n < 1024 {
		return strconv.FormatUint(n, 10) + " B"
	}
	v, unit := float64(n), 0
	for v >= 1024 && unit < len(byteUnits)-1 {
		v /= 1024
		unit++
	}
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + " " + byteUnits[unit]
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.Round(time.Microsecond).String()
	}
	return d.Round(time.Millisecond).String()
}
