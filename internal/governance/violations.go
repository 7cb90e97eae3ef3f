package governance

import (
	"sync"
	"time"

	"github.com/conveyorci/conveyor/pkg/domain"
)

// GroupState reports whether a policy group may accept new executions.
type GroupState string

const (
	// GroupHealthy indicates the group is under its violation budget.
	GroupHealthy GroupState = "healthy"
	// GroupUnhealthy indicates the budget was exceeded; new executions are
	// refused until the cooldown elapses.
	GroupUnhealthy GroupState = "unhealthy"
)

// ViolationBudgetConfig bounds how many violations a policy group may
// accumulate within the rolling cooldown window before it is taken out of
// rotation.
type ViolationBudgetConfig struct {
	MaxViolationsBeforeAbort int
	Cooldown                 time.Duration
}

// DefaultViolationBudgetConfig returns sensible defaults.
func DefaultViolationBudgetConfig() ViolationBudgetConfig {
	return ViolationBudgetConfig{
		MaxViolationsBeforeAbort: 5,
		Cooldown:                 time.Minute,
	}
}

// ViolationTracker accumulates violations per security-policy group and
// marks a group unhealthy once its budget is spent inside the rolling window.
type ViolationTracker struct {
	mu     sync.Mutex
	config ViolationBudgetConfig
	groups map[string]*groupRecord
	now    func() time.Time
}

type groupRecord struct {
	recent        []time.Time
	unhealthyTill time.Time
	total         int64
}

// NewViolationTracker creates a tracker with the provided configuration.
func NewViolationTracker(config ViolationBudgetConfig) *ViolationTracker {
	if config.MaxViolationsBeforeAbort <= 0 {
		config.MaxViolationsBeforeAbort = DefaultViolationBudgetConfig().MaxViolationsBeforeAbort
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultViolationBudgetConfig().Cooldown
	}
	return &ViolationTracker{
		config: config,
		groups: make(map[string]*groupRecord),
		now:    time.Now,
	}
}

// Record accounts one violation against its policy group and returns the
// group's state after recording.
func (t *ViolationTracker) Record(v domain.Violation) GroupState {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.group(v.PolicyGroup)
	now := t.now()
	rec.total++
	rec.recent = append(t.prune(rec.recent, now), now)

	if len(rec.recent) >= t.config.MaxViolationsBeforeAbort {
		rec.unhealthyTill = now.Add(t.config.Cooldown)
		rec.recent = rec.recent[:0]
	}
	return t.stateLocked(rec, now)
}

// Allow returns domain.ErrGroupUnhealthy while the group's cooldown is
// running, nil otherwise.
func (t *ViolationTracker) Allow(group string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.groups[group]
	if !ok {
		return nil
	}
	if t.stateLocked(rec, t.now()) == GroupUnhealthy {
		return domain.ErrGroupUnhealthy
	}
	return nil
}

// State reports the group's current health.
func (t *ViolationTracker) State(group string) GroupState {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.groups[group]
	if !ok {
		return GroupHealthy
	}
	return t.stateLocked(rec, t.now())
}

// Total returns the lifetime violation count for a group.
func (t *ViolationTracker) Total(group string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.groups[group]
	if !ok {
		return 0
	}
	return rec.total
}

func (t *ViolationTracker) group(name string) *groupRecord {
	rec, ok := t.groups[name]
	if !ok {
		rec = &groupRecord{}
		t.groups[name] = rec
	}
	return rec
}

func (t *ViolationTracker) stateLocked(rec *groupRecord, now time.Time) GroupState {
	if now.Before(rec.unhealthyTill) {
		return GroupUnhealthy
	}
	return GroupHealthy
}

// prune drops entries older than the rolling window.
func (t *ViolationTracker) prune(recent []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-t.config.Cooldown)
	kept := recent[:0]
	for _, ts := range recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
