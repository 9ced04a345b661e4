package migration

import (
	"sync"
	"time"
)

// ThroughputSample is one point-in-time throughput measurement.
type ThroughputSample struct {
	Timestamp        time.Time
	RecordsProcessed int64
	RecordsPerSecond float64
}

// ProgressMonitor tracks throughput across a phase and estimates an ETA.
// It delivers progress both synchronously, via a caller-supplied
// ProgressCallback, and asynchronously over a single-producer
// single-consumer channel, since a slow consumer must never block the
// next suspension point any longer than necessary.
type ProgressMonitor struct {
	mu                sync.Mutex
	startTime         time.Time
	processedRecords  int64
	totalRecords      int64
	throughputHistory []ThroughputSample
	callback          ProgressCallback
	ch                chan MigrationProgress
}

// NewProgressMonitor builds a monitor delivering to callback (may be nil)
// and over a buffered channel the caller can range over.
func NewProgressMonitor(callback ProgressCallback) *ProgressMonitor {
	return &ProgressMonitor{
		startTime: time.Now(),
		callback:  callback,
		ch:        make(chan MigrationProgress, 256),
	}
}

// Channel returns the asynchronous progress stream. Closed when Close is
// called.
func (m *ProgressMonitor) Channel() <-chan MigrationProgress {
	return m.ch
}

// SetTotal sets the expected record count for percentage/ETA math.
func (m *ProgressMonitor) SetTotal(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRecords = total
}

// Report emits one MigrationProgress record, synchronously via callback
// and asynchronously via the channel. A full channel drops the oldest
// sample rather than blocking.
func (m *ProgressMonitor) Report(phase Phase, step string, processed int64, errs, warnings []string) {
	m.mu.Lock()
	m.processedRecords = processed
	now := time.Now()
	var rps float64
	if elapsed := now.Sub(m.startTime).Seconds(); elapsed > 0 {
		rps = float64(processed) / elapsed
	}
	m.throughputHistory = append(m.throughputHistory, ThroughputSample{
		Timestamp: now, RecordsProcessed: processed, RecordsPerSecond: rps,
	})
	if len(m.throughputHistory) > 64 {
		m.throughputHistory = m.throughputHistory[len(m.throughputHistory)-64:]
	}

	var pct float64
	var eta *time.Time
	if m.totalRecords > 0 {
		pct = 100 * float64(processed) / float64(m.totalRecords)
		if rps > 0 && processed < m.totalRecords {
			remaining := float64(m.totalRecords-processed) / rps
			t := now.Add(time.Duration(remaining) * time.Second)
			eta = &t
		}
	}
	start := m.startTime
	m.mu.Unlock()

	progress := MigrationProgress{
		Phase:       phase,
		CurrentStep: step,
		Percentage:  clampPercentage(pct),
		StartTime:   start,
		ETA:         eta,
		Errors:      errs,
		Warnings:    warnings,
	}

	if m.callback != nil {
		m.callback(progress)
	}

	select {
	case m.ch <- progress:
	default:
		select {
		case <-m.ch:
		default:
		}
		select {
		case m.ch <- progress:
		default:
		}
	}
}

func clampPercentage(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Close releases the channel. Safe to call once, after the monitor's
// owning phase or run has finished emitting.
func (m *ProgressMonitor) Close() {
	close(m.ch)
}
