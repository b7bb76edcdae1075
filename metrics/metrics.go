// Package metrics collects per-worker counters and generates the periodic
// and final reports described in section 4.6 of the expanded specification:
// an uploads-per-minute rate emitted every 100 NewUploaded, and slow-upload
// flagging for individual uploads exceeding 120 seconds.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// slowUploadThreshold is the section 4.6 threshold above which an
// individual upload is flagged "slow".
const slowUploadThreshold = 120 * time.Second

// rateEmitInterval is the NewUploaded count at which an uploads-per-minute
// rate is emitted, per section 4.6.
const rateEmitInterval = 100

// Metrics collects counters for one worker process.
type Metrics struct {
	mu sync.Mutex

	newUploaded      int64
	alreadyPresent   int64
	transientFailure int64
	permanentFailure int64
	slowUploads      int64

	startTime         time.Time
	lastRateEmitAt    time.Time
	uploadsAtLastRate int64
}

// New creates a Metrics instance for a freshly started worker.
func New() *Metrics {
	now := time.Now()
	return &Metrics{startTime: now, lastRateEmitAt: now}
}

// RecordNewUploaded increments the NewUploaded counter.
func (m *Metrics) RecordNewUploaded() {
	atomic.AddInt64(&m.newUploaded, 1)
}

// RecordAlreadyPresent increments the AlreadyPresent counter.
func (m *Metrics) RecordAlreadyPresent() {
	atomic.AddInt64(&m.alreadyPresent, 1)
}

// RecordTransientFailure increments the TransientFailure counter.
func (m *Metrics) RecordTransientFailure() {
	atomic.AddInt64(&m.transientFailure, 1)
}

// RecordPermanentFailure increments the PermanentFailure counter.
func (m *Metrics) RecordPermanentFailure() {
	atomic.AddInt64(&m.permanentFailure, 1)
}

// RecordUploadDuration flags uploads exceeding slowUploadThreshold and
// returns whether this one was slow, so the caller can log it.
func (m *Metrics) RecordUploadDuration(d time.Duration) bool {
	if d <= slowUploadThreshold {
		return false
	}
	atomic.AddInt64(&m.slowUploads, 1)
	return true
}

// RateSample is an uploads-per-minute observation emitted every
// rateEmitInterval NewUploaded outcomes.
type RateSample struct {
	UploadsPerMinute float64
	Since            time.Time
}

// MaybeEmitRate returns a RateSample once per rateEmitInterval NewUploaded
// outcomes since the last emission, or ok=false otherwise.
func (m *Metrics) MaybeEmitRate() (RateSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := atomic.LoadInt64(&m.newUploaded)
	if current-m.uploadsAtLastRate < rateEmitInterval {
		return RateSample{}, false
	}

	now := time.Now()
	elapsed := now.Sub(m.lastRateEmitAt)
	delta := current - m.uploadsAtLastRate

	m.uploadsAtLastRate = current
	m.lastRateEmitAt = now

	if elapsed <= 0 {
		return RateSample{}, false
	}
	return RateSample{
		UploadsPerMinute: float64(delta) / elapsed.Minutes(),
		Since:            now,
	}, true
}

// Report is the final, JSON-serializable summary of a worker run.
type Report struct {
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Duration         time.Duration `json:"-"`
	NewUploaded      int64         `json:"new_uploaded"`
	AlreadyPresent   int64         `json:"already_present"`
	TransientFailure int64         `json:"transient_failure"`
	PermanentFailure int64         `json:"permanent_failure"`
	SlowUploads      int64         `json:"slow_uploads"`
	Throughput       float64       `json:"throughput_per_sec"`
}

// MarshalJSON renders Duration (tagged json:"-") as a Go duration string
// alongside the other fields, matching the teacher's report-formatting
// convention.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.Marshal(&struct {
		alias
		Duration string `json:"duration"`
	}{alias: alias(r), Duration: r.Duration.String()})
}

// GenerateReport summarizes the run to date.
func (m *Metrics) GenerateReport() Report {
	end := time.Now()
	duration := end.Sub(m.startTime)
	newUploaded := atomic.LoadInt64(&m.newUploaded)

	var throughput float64
	if duration > 0 {
		throughput = float64(newUploaded) / duration.Seconds()
	}

	return Report{
		StartTime:        m.startTime,
		EndTime:          end,
		Duration:         duration,
		NewUploaded:      newUploaded,
		AlreadyPresent:   atomic.LoadInt64(&m.alreadyPresent),
		TransientFailure: atomic.LoadInt64(&m.transientFailure),
		PermanentFailure: atomic.LoadInt64(&m.permanentFailure),
		SlowUploads:      atomic.LoadInt64(&m.slowUploads),
		Throughput:       throughput,
	}
}
