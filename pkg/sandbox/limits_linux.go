//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/conveyorci/conveyor/pkg/domain"
)

// applyProcessLimits installs OS resource limits on an already started child.
// Address-space, CPU-time, and file-descriptor limits become hard kernel
// limits; thread and wall-clock budgets stay with the resource monitor.
func applyProcessLimits(pid int, limits domain.ResourceLimits) error {
	if limits.MaxMemoryBytes > 0 {
		if err := setRlimit(pid, unix.RLIMIT_AS, uint64(limits.MaxMemoryBytes)); err != nil {
			return fmt.Errorf("memory limit: %w", err)
		}
	}
	if limits.MaxCPUTime > 0 {
		// One second above the monitored threshold: the sampler must get to
		// record the CPU violation before the kernel delivers SIGKILL, so the
		// rlimit is only the backstop.
		secs := uint64(limits.MaxCPUTime.Seconds()) + 1
		if err := setRlimit(pid, unix.RLIMIT_CPU, secs); err != nil {
			return fmt.Errorf("cpu limit: %w", err)
		}
	}
	if limits.MaxFileDescriptors > 0 {
		if err := setRlimit(pid, unix.RLIMIT_NOFILE, uint64(limits.MaxFileDescriptors)); err != nil {
			return fmt.Errorf("fd limit: %w", err)
		}
	}
	return nil
}

func setRlimit(pid, resource int, value uint64) error {
	rl := unix.Rlimit{Cur: value, Max: value}
	return unix.Prlimit(pid, resource, &rl, nil)
}
