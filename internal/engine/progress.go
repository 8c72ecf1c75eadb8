package engine

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// stopFlag is the single shared cooperative-cancellation flag checked by
// every worker at the top of its per-file loop.
type stopFlag struct {
	v atomic.Bool
}

func (s *stopFlag) Load() bool   { return s.v.Load() }
func (s *stopFlag) Request()     { s.v.Store(true) }
func (s *stopFlag) reset()       { s.v.Store(false) }

// State is a run's position in the Idle → Running → (Completed | Failed |
// Cancelled) state machine.
type State string

const (
	StateIdle      State = "Idle"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// Status is a point-in-time snapshot of run progress, safe to read
// concurrently with an in-progress run.
type Status struct {
	Phase          string
	FilesProcessed int64
	TotalFiles     int64
	BytesProcessed int64
	TotalBytes     int64
	CurrentFile    string
	State          State
}

// Percentage returns FilesProcessed/TotalFiles as 0-100, or 0 if TotalFiles
// is not yet known.
func (s Status) Percentage() float64 {
	if s.TotalFiles == 0 {
		return 0
	}
	return 100 * float64(s.FilesProcessed) / float64(s.TotalFiles)
}

// progress tracks run counters as Prometheus instruments (so the
// out-of-scope web control plane has a ready-made scrape target) plus the
// plain mutex-guarded phase/current-file strings a gauge of string labels
// can't express cleanly.
type progress struct {
	registry *prometheus.Registry

	filesProcessed prometheus.Counter
	bytesProcessed prometheus.Counter
	totalFiles     prometheus.Gauge
	totalBytes     prometheus.Gauge

	filesProcessedCount atomic.Int64
	bytesProcessedCount atomic.Int64
	totalFilesCount     atomic.Int64
	totalBytesCount     atomic.Int64

	mu          sync.Mutex
	phase       string
	currentFile string
	state       State
}

func newProgress() *progress {
	reg := prometheus.NewRegistry()
	p := &progress{
		registry: reg,
		filesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hashbackup_files_processed_total",
			Help: "Work items processed since the engine was created, across all phases and runs.",
		}),
		bytesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hashbackup_bytes_processed_total",
			Help: "Bytes processed since the engine was created, across all phases and runs.",
		}),
		totalFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hashbackup_total_files",
			Help: "Work items in the current phase: files in preparation, file-destination pairs in replication.",
		}),
		totalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hashbackup_total_bytes",
			Help: "Source bytes to replicate in the current phase; zero during preparation.",
		}),
		state: StateIdle,
	}
	reg.MustRegister(p.filesProcessed, p.bytesProcessed, p.totalFiles, p.totalBytes)
	return p
}

func (p *progress) setPhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = phase
}

func (p *progress) setCurrentFile(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentFile = path
}

func (p *progress) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *progress) setTotals(files, bytes int64) {
	p.totalFiles.Set(float64(files))
	p.totalBytes.Set(float64(bytes))
	p.totalFilesCount.Store(files)
	p.totalBytesCount.Store(bytes)
	p.filesProcessedCount.Store(0)
	p.bytesProcessedCount.Store(0)
}

func (p *progress) addFile(bytes int64) {
	p.filesProcessed.Inc()
	p.bytesProcessed.Add(float64(bytes))
	p.filesProcessedCount.Add(1)
	p.bytesProcessedCount.Add(bytes)
}

func (p *progress) snapshot() Status {
	p.mu.Lock()
	phase, currentFile, state := p.phase, p.currentFile, p.state
	p.mu.Unlock()
	return Status{
		Phase:          phase,
		CurrentFile:    currentFile,
		State:          state,
		FilesProcessed: p.filesProcessedCount.Load(),
		TotalFiles:     p.totalFilesCount.Load(),
		BytesProcessed: p.bytesProcessedCount.Load(),
		TotalBytes:     p.totalBytesCount.Load(),
	}
}
