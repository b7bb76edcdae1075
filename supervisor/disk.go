package supervisor

import (
	"context"
	"time"

	"github.com/zzenonn/ingestd/internal/procwatch"
)

// DiskSampler reports the storage device's current utilization, backing
// section 4.8 step C's fleet-scaling decision.
type DiskSampler interface {
	Utilization(ctx context.Context) (float64, error)
}

// sampleInterval is the gap between the two /proc/diskstats reads
// procwatch.DiskUtilization needs to compute a rate from a cumulative
// counter.
const sampleInterval = 500 * time.Millisecond

// ProcDiskSampler backs DiskSampler with internal/procwatch's
// /proc/diskstats sampling (section 4.14).
type ProcDiskSampler struct {
	device string
}

// NewProcDiskSampler builds a ProcDiskSampler for the named block device
// (e.g. "sda").
func NewProcDiskSampler(device string) *ProcDiskSampler {
	return &ProcDiskSampler{device: device}
}

// Utilization implements DiskSampler. procwatch.DiskUtilization takes the
// sample function itself and calls it twice; sleeping sampleInterval between
// those two calls is this wrapper's job, the way `iostat` derives %util from
// two /proc/diskstats field-13 reads apart in time.
func (s *ProcDiskSampler) Utilization(ctx context.Context) (float64, error) {
	first := true
	return procwatch.DiskUtilization(s.device, func() (uint64, error) {
		if !first {
			select {
			case <-time.After(sampleInterval):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		first = false
		return procwatch.ReadDiskStatsIOMillis(s.device)
	}, uint64(sampleInterval.Milliseconds()))
}

// StaticDiskSampler returns a fixed utilization value, used by tests to
// drive the scale-up/scale-down thresholds deterministically.
type StaticDiskSampler struct {
	Value float64
}

// Utilization implements DiskSampler.
func (s StaticDiskSampler) Utilization(ctx context.Context) (float64, error) {
	return s.Value, nil
}
