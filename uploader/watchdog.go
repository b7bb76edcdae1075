package uploader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zzenonn/ingestd/internal/procwatch"
)

// watchdog implements the progress-sampling stuck-detection policy from
// section 4.5: three signals (transfer bytes, CPU time, I/O bytes) sampled
// every sampleInterval; if none advance for stuckAfter, the upload is
// terminated.
type watchdog struct {
	sampleInterval time.Duration
	stuckAfter     time.Duration

	bytesRead int64 // atomic
}

func newWatchdog(sampleInterval, stuckAfter time.Duration) *watchdog {
	return &watchdog{sampleInterval: sampleInterval, stuckAfter: stuckAfter}
}

// recordBytes is called by countingReader as transfer bytes flow; it
// implements watchdog signal (a).
func (w *watchdog) recordBytes(n int) {
	atomic.AddInt64(&w.bytesRead, int64(n))
}

// run starts the sampling goroutine and returns a context that is
// cancelled when the upload is judged stuck, plus a stop function the
// caller must invoke once the attempt completes.
func (w *watchdog) run(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	var once sync.Once
	stop := make(chan struct{})
	stopFn := func() {
		once.Do(func() { close(stop) })
	}

	go func() {
		ticker := time.NewTicker(w.sampleInterval)
		defer ticker.Stop()

		lastBytes := atomic.LoadInt64(&w.bytesRead)
		lastProc, procErr := w.sampleProc()
		lastAdvance := time.Now()

		for {
			select {
			case <-stop:
				return
			case <-parent.Done():
				return
			case <-ticker.C:
				curBytes := atomic.LoadInt64(&w.bytesRead)
				advanced := curBytes > lastBytes

				if procErr == nil {
					curProc, err := w.sampleProc()
					if err == nil {
						if curProc.Advanced(lastProc) {
							advanced = true
						}
						lastProc = curProc
					}
				}

				if advanced {
					lastAdvance = time.Now()
				}
				lastBytes = curBytes

				if time.Since(lastAdvance) >= w.stuckAfter {
					cancel()
					return
				}
			}
		}
	}()

	return ctx, stopFn
}

// sampleProc samples the current process's procwatch signals, returning
// procwatch.ErrUnsupported on platforms without /proc (section 4.5: "if
// platform-specific signals are unavailable, fall back to H").
func (w *watchdog) sampleProc() (procwatch.Snapshot, error) {
	return procwatch.Sample(pid())
}
