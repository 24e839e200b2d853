package pipeline

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProgressTracker tracks progress for long-running operations over a known
// number of records. It is safe for concurrent use; a nil tracker ignores
// updates.
type ProgressTracker struct {
	total       atomic.Int64
	done        atomic.Int64
	startTime   time.Time
	description string
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(description string) *ProgressTracker {
	return &ProgressTracker{
		startTime:   time.Now(),
		description: description,
	}
}

// Progress holds current progress information
type Progress struct {
	Current     int64
	Total       int64
	Percentage  float64
	Elapsed     time.Duration
	ETA         time.Duration
	Throughput  float64 // records per second
	Description string
}

// AddTotal grows the number of records expected
func (p *ProgressTracker) AddTotal(n int64) {
	if p != nil {
		p.total.Add(n)
	}
}

// Advance marks n records as processed
func (p *ProgressTracker) Advance(n int64) {
	if p != nil {
		p.done.Add(n)
	}
}

// Calculate returns current progress metrics
func (p *ProgressTracker) Calculate() Progress {
	if p == nil {
		return Progress{}
	}

	elapsed := time.Since(p.startTime)
	current := p.done.Load()
	total := p.total.Load()

	var percentage float64
	var eta time.Duration

	if total > 0 && current > 0 {
		percentage = float64(current) / float64(total) * 100
		if percentage < 100 {
			perSecond := float64(current) / elapsed.Seconds()
			if perSecond > 0 {
				eta = time.Duration(float64(total-current)/perSecond) * time.Second
			}
		}
	}

	var throughput float64
	if elapsed.Seconds() > 0 {
		throughput = float64(current) / elapsed.Seconds()
	}

	return Progress{
		Current:     current,
		Total:       total,
		Percentage:  percentage,
		Elapsed:     elapsed.Round(time.Second),
		ETA:         eta.Round(time.Second),
		Throughput:  throughput,
		Description: p.description,
	}
}

// Fields renders the current progress as log fields for the metrics collector
func (p *ProgressTracker) Fields() []zap.Field {
	pr := p.Calculate()
	return []zap.Field{
		zap.String("stage", pr.Description),
		zap.Int64("done", pr.Current),
		zap.Int64("total", pr.Total),
		zap.String("percent", fmt.Sprintf("%.1f%%", pr.Percentage)),
		zap.String("rate", FormatThroughput(pr.Throughput)),
		zap.String("eta", FormatETA(pr.ETA)),
	}
}

// FormatETA formats the ETA duration in a human-readable format
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput formats throughput as human-readable records per second
func FormatThroughput(perSec float64) string {
	if perSec >= 1_000_000 {
		return fmt.Sprintf("%.1fM/s", perSec/1_000_000)
	}
	if perSec >= 1_000 {
		return fmt.Sprintf("%.1fK/s", perSec/1_000)
	}
	return fmt.Sprintf("%.0f/s", perSec)
}
