package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
)

// Registry is a thread-safe catalog of script engines, indexed by id,
// extension, and capability. Registrations are linearizable: a lookup racing
// a registration sees either the pre- or post-registration state, never a
// partial one.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*registration
	nextSeq uint64
}

type registration struct {
	engine runtime.Engine
	desc   domain.EngineDescriptor
	// seq orders registrations so that extension ties resolve to the most
	// recently registered engine, allowing overrides.
	seq uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*registration)}
}

// Register adds an engine. It fails with domain.ErrDuplicateEngine if the
// descriptor id is already present; descriptors are immutable once accepted.
func (r *Registry) Register(eng runtime.Engine) error {
	desc := eng.Descriptor()
	if desc.ID == "" {
		return fmt.Errorf("engine descriptor requires an id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[desc.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateEngine, desc.ID)
	}
	r.nextSeq++
	r.engines[desc.ID] = &registration{engine: eng, desc: desc, seq: r.nextSeq}
	return nil
}

// Unregister removes an engine by id. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, id)
}

// FindByID returns the engine registered under id.
func (r *Registry) FindByID(id string) (runtime.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %q", domain.ErrEngineNotFound, id)
	}
	return reg.engine, nil
}

// FindByExtension resolves the engine whose supported-extension set contains
// the longest matching suffix of path. A more specific extension always beats
// a generic one (".ci.yaml" over ".yaml" for "build.ci.yaml"); among equal
// suffixes the most recently registered engine wins.
func (r *Registry) FindByExtension(path string) (runtime.Engine, error) {
	lower := strings.ToLower(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best       *registration
		bestSuffix int
	)
	for _, reg := range r.engines {
		for _, ext := range reg.desc.Extensions {
			suffix := normalizeExtension(ext)
			if !strings.HasSuffix(lower, suffix) {
				continue
			}
			switch {
			case len(suffix) > bestSuffix:
				best, bestSuffix = reg, len(suffix)
			case len(suffix) == bestSuffix && best != nil && reg.seq > best.seq:
				best = reg
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no engine supports %q", domain.ErrEngineNotFound, path)
	}
	return best.engine, nil
}

// FindByCapability returns the descriptors of every engine declaring the
// capability, ordered by registration.
func (r *Registry) FindByCapability(c domain.Capability) []domain.EngineDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var regs []*registration
	for _, reg := range r.engines {
		if reg.desc.HasCapability(c) {
			regs = append(regs, reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })

	descs := make([]domain.EngineDescriptor, len(regs))
	for i, reg := range regs {
		descs[i] = reg.desc
	}
	return descs
}

// Descriptors returns every registered descriptor, ordered by registration.
func (r *Registry) Descriptors() []domain.EngineDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]*registration, 0, len(r.engines))
	for _, reg := range r.engines {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })

	descs := make([]domain.EngineDescriptor, len(regs))
	for i, reg := range regs {
		descs[i] = reg.desc
	}
	return descs
}

func normalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
