//go:build !linux

package sandbox

import "github.com/conveyorci/conveyor/pkg/domain"

// OS resource limits are only wired up on Linux; elsewhere the resource
// monitor remains the sole enforcement path.
func applyProcessLimits(_ int, _ domain.ResourceLimits) error {
	return nil
}
