package sandbox

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/conveyorci/conveyor/pkg/domain"
)

const defaultSampleInterval = 50 * time.Millisecond

// Monitor samples resource usage of running units and raises violations.
// One Monitor serves many concurrent watches; each watch supervises a single
// bounded unit and emits at most one violation before stopping itself.
type Monitor struct {
	interval      time.Duration
	logger        *slog.Logger
	logViolations bool
}

// NewMonitor creates a monitor with the given sampling interval. When
// logViolations is set, every breach is also logged at warn level.
func NewMonitor(interval time.Duration, logger *slog.Logger, logViolations bool) *Monitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{interval: interval, logger: logger, logViolations: logViolations}
}

// WatchTarget identifies the unit a watch supervises. PID > 0 enables
// CPU/memory/thread/fd sampling through /proc; in-process units are sampled
// through the Go runtime instead. Cancel is invoked exactly once on breach.
type WatchTarget struct {
	PID         int
	PolicyGroup string
	Cancel      func()
}

// Watch is one supervision session. Violations carries at most one entry;
// callers drain it after the unit settles.
type Watch struct {
	violations chan domain.Violation
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

// Violations returns the channel the watch's single violation is sent on.
func (w *Watch) Violations() <-chan domain.Violation { return w.violations }

// Stop ends supervision. It releases the watcher goroutine on every exit
// path and is safe to call multiple times.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// TakeViolation returns the recorded violation, if any, without blocking.
func (w *Watch) TakeViolation() (domain.Violation, bool) {
	select {
	case v := <-w.violations:
		return v, true
	default:
		return domain.Violation{}, false
	}
}

// Watch begins supervising a unit under the given limits. The wall clock is
// tracked continuously and always wins over CPU/memory limits; samples are
// taken every monitor interval.
func (m *Monitor) Watch(target WatchTarget, limits domain.ResourceLimits) *Watch {
	w := &Watch{
		violations: make(chan domain.Violation, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.run(w, target, limits)
	return w
}

func (m *Monitor) run(w *Watch, target WatchTarget, limits domain.ResourceLimits) {
	defer close(w.done)

	start := time.Now()

	var wallC <-chan time.Time
	if limits.MaxWallTime > 0 {
		wallTimer := time.NewTimer(limits.MaxWallTime)
		defer wallTimer.Stop()
		wallC = wallTimer.C
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-wallC:
			m.violate(w, target, domain.Violation{
				Kind:        domain.ViolationWallTime,
				Observed:    time.Since(start).Milliseconds(),
				Limit:       limits.MaxWallTime.Milliseconds(),
				PolicyGroup: target.PolicyGroup,
				At:          time.Now(),
			})
			return
		case <-ticker.C:
			// Wall clock is re-checked first so a timeout wins even when a
			// sample breaches another limit in the same tick.
			if limits.MaxWallTime > 0 && time.Since(start) > limits.MaxWallTime {
				m.violate(w, target, domain.Violation{
					Kind:        domain.ViolationWallTime,
					Observed:    time.Since(start).Milliseconds(),
					Limit:       limits.MaxWallTime.Milliseconds(),
					PolicyGroup: target.PolicyGroup,
					At:          time.Now(),
				})
				return
			}
			sample := m.sample
			if target.PID <= 0 {
				sample = m.sampleRuntime
			}
			if v, breached := sample(target, limits); breached {
				m.violate(w, target, v)
				return
			}
		}
	}
}

// sample reads /proc for the watched pid and compares against limits.
// A vanished process ends sampling without a violation: the unit already
// exited and its result will speak for itself.
func (m *Monitor) sample(target WatchTarget, limits domain.ResourceLimits) (domain.Violation, bool) {
	proc, err := procfs.NewProc(target.PID)
	if err != nil {
		return domain.Violation{}, false
	}
	stat, err := proc.Stat()
	if err != nil {
		return domain.Violation{}, false
	}

	if limits.MaxMemoryBytes > 0 {
		if rss := int64(stat.ResidentMemory()); rss > limits.MaxMemoryBytes {
			return domain.Violation{
				Kind:        domain.ViolationMemory,
				Observed:    rss,
				Limit:       limits.MaxMemoryBytes,
				PolicyGroup: target.PolicyGroup,
				At:          time.Now(),
			}, true
		}
	}

	if limits.MaxCPUTime > 0 {
		cpu := time.Duration(stat.CPUTime() * float64(time.Second))
		if cpu > limits.MaxCPUTime {
			return domain.Violation{
				Kind:        domain.ViolationCPU,
				Observed:    cpu.Milliseconds(),
				Limit:       limits.MaxCPUTime.Milliseconds(),
				PolicyGroup: target.PolicyGroup,
				At:          time.Now(),
			}, true
		}
	}

	if limits.MaxThreads > 0 && stat.NumThreads > limits.MaxThreads {
		return domain.Violation{
			Kind:        domain.ViolationThreads,
			Observed:    int64(stat.NumThreads),
			Limit:       int64(limits.MaxThreads),
			PolicyGroup: target.PolicyGroup,
			At:          time.Now(),
		}, true
	}

	if limits.MaxFileDescriptors > 0 {
		if fds, err := proc.FileDescriptorsLen(); err == nil && fds > limits.MaxFileDescriptors {
			return domain.Violation{
				Kind:        domain.ViolationFDs,
				Observed:    int64(fds),
				Limit:       int64(limits.MaxFileDescriptors),
				PolicyGroup: target.PolicyGroup,
				At:          time.Now(),
			}, true
		}
	}

	return domain.Violation{}, false
}

// sampleRuntime covers units running inside this process, where there is no
// child pid to read. Heap and goroutine readings are process-wide, so limits
// for in-process units bound the whole engine process rather than the unit
// alone.
func (m *Monitor) sampleRuntime(target WatchTarget, limits domain.ResourceLimits) (domain.Violation, bool) {
	if limits.MaxMemoryBytes > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if heap := int64(ms.HeapAlloc); heap > limits.MaxMemoryBytes {
			return domain.Violation{
				Kind:        domain.ViolationMemory,
				Observed:    heap,
				Limit:       limits.MaxMemoryBytes,
				PolicyGroup: target.PolicyGroup,
				At:          time.Now(),
			}, true
		}
	}

	if limits.MaxThreads > 0 {
		if n := runtime.NumGoroutine(); n > limits.MaxThreads {
			return domain.Violation{
				Kind:        domain.ViolationThreads,
				Observed:    int64(n),
				Limit:       int64(limits.MaxThreads),
				PolicyGroup: target.PolicyGroup,
				At:          time.Now(),
			}, true
		}
	}

	return domain.Violation{}, false
}

func (m *Monitor) violate(w *Watch, target WatchTarget, v domain.Violation) {
	if m.logViolations {
		m.logger.Warn("resource limit breached",
			"kind", string(v.Kind),
			"group", v.PolicyGroup,
			"observed", v.Observed,
			"limit", v.Limit)
	}

	// Buffered channel; the single violation can never block.
	w.violations <- v
	if target.Cancel != nil {
		target.Cancel()
	}
}
