package stats

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

// Entry describes one handled connection
type Entry struct {
	Remote   string
	Method   string
	Target   string
	Status   int // 0 when the peer sent nothing
	Bytes    int64
	Duration time.Duration
}

// Tracker is an interface for recording served requests
type Tracker interface {
	// Start marks the server as listening on addr
	Start(addr string)
	// Record registers a finished connection. Safe for concurrent use.
	Record(entry Entry)
	// Finish completes tracking and reports totals
	Finish()
}

// Snapshot is a copy of the counters at a point in time
type Snapshot struct {
	Requests    int
	Empty       int
	ByStatus    map[int]int
	BytesServed int64
}

// ConsoleTracker implements Tracker for console output
type ConsoleTracker struct {
	mu          sync.Mutex
	writer      io.Writer
	quiet       bool
	startTime   time.Time
	requests    int
	empty       int
	byStatus    map[int]int
	bytesServed int64

	ok       *color.Color
	clientEr *color.Color
	serverEr *color.Color
	dim      *color.Color
}

// NewConsoleTracker creates a new console tracker writing to stdout
func NewConsoleTracker() *ConsoleTracker {
	return &ConsoleTracker{
		writer:   os.Stdout,
		byStatus: make(map[int]int),
		ok:       color.New(color.FgGreen),
		clientEr: color.New(color.FgYellow),
		serverEr: color.New(color.FgRed, color.Bold),
		dim:      color.New(color.Faint),
	}
}

// WithWriter sets the writer for the console tracker
func (t *ConsoleTracker) WithWriter(writer io.Writer) *ConsoleTracker {
	t.writer = writer
	return t
}

// WithQuiet suppresses per-request lines; the final summary is still printed
func (t *ConsoleTracker) WithQuiet(quiet bool) *ConsoleTracker {
	t.quiet = quiet
	return t
}

// WithColor forces color on or off regardless of terminal detection
func (t *ConsoleTracker) WithColor(enabled bool) *ConsoleTracker {
	for _, c := range []*color.Color{t.ok, t.clientEr, t.serverEr, t.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return t
}

// Start resets the counters
func (t *ConsoleTracker) Start(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = time.Now()
	t.requests = 0
	t.empty = 0
	t.byStatus = make(map[int]int)
	t.bytesServed = 0

	if !t.quiet {
		fmt.Fprintf(t.writer, "Serving on %s\n", addr)
	}
}

// Record registers a finished connection and prints an access line
func (t *ConsoleTracker) Record(entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry.Status == 0 {
		t.empty++
		return
	}

	t.requests++
	t.byStatus[entry.Status]++
	if entry.Status < 300 {
		t.bytesServed += entry.Bytes
	}

	if t.quiet {
		return
	}
	fmt.Fprintf(t.writer, "%s %s %q %s %dB %s\n",
		t.dim.Sprint(time.Now().Format("2006/01/02 15:04:05")),
		entry.Remote,
		entry.Method+" "+entry.Target,
		t.statusColor(entry.Status).Sprint(entry.Status),
		entry.Bytes,
		entry.Duration.Round(time.Microsecond))
}

// Finish prints the totals
func (t *ConsoleTracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	uptime := time.Since(t.startTime).Round(time.Second)
	fmt.Fprintf(t.writer, "\nServer stopped after %s\n", uptime)
	fmt.Fprintf(t.writer, "Handled %d requests (%d empty connections), %s served\n",
		t.requests, t.empty, humanize.Bytes(uint64(t.bytesServed)))

	statuses := make([]int, 0, len(t.byStatus))
	for status := range t.byStatus {
		statuses = append(statuses, status)
	}
	sort.Ints(statuses)
	for _, status := range statuses {
		fmt.Fprintf(t.writer, "  %s: %d\n", t.statusColor(status).Sprint(status), t.byStatus[status])
	}
}

// Snapshot returns a copy of the counters
func (t *ConsoleTracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	byStatus := make(map[int]int, len(t.byStatus))
	for k, v := range t.byStatus {
		byStatus[k] = v
	}
	return Snapshot{
		Requests:    t.requests,
		Empty:       t.empty,
		ByStatus:    byStatus,
		BytesServed: t.bytesServed,
	}
}

func (t *ConsoleTracker) statusColor(status int) *color.Color {
	switch {
	case status >= 500:
		return t.serverEr
	case status >= 400:
		return t.clientEr
	default:
		return t.ok
	}
}

// NopTracker discards everything
type NopTracker struct{}

func (NopTracker) Start(string) {}
func (NopTracker) Record(Entry) {}
func (NopTracker) Finish()      {}
