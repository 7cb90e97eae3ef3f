package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/conveyorci/conveyor/pkg/domain"
)

func TestRegistryRejectsDuplicateID(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newStubEngine("shell", ".sh")); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := reg.Register(newStubEngine("shell", ".bash"))
	if !errors.Is(err, domain.ErrDuplicateEngine) {
		t.Fatalf("expected ErrDuplicateEngine, got %v", err)
	}
}

func TestRegistryFindByID(t *testing.T) {
	reg := NewRegistry()
	eng := newStubEngine("shell", ".sh")
	if err := reg.Register(eng); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	got, err := reg.FindByID("shell")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got != eng {
		t.Fatalf("FindByID returned a different engine")
	}

	if _, err := reg.FindByID("missing"); !errors.Is(err, domain.ErrEngineNotFound) {
		t.Fatalf("expected ErrEngineNotFound, got %v", err)
	}
}

func TestRegistryLongestSuffixWins(t *testing.T) {
	reg := NewRegistry()
	generic := newStubEngine("generic", ".kts")
	specific := newStubEngine("specific", ".a.kts")
	if err := reg.Register(generic); err != nil {
		t.Fatalf("register generic: %v", err)
	}
	if err := reg.Register(specific); err != nil {
		t.Fatalf("register specific: %v", err)
	}

	got, err := reg.FindByExtension("build.a.kts")
	if err != nil {
		t.Fatalf("FindByExtension failed: %v", err)
	}
	if got != specific {
		t.Fatalf("expected the .a.kts engine to win the longest-suffix match")
	}

	got, err = reg.FindByExtension("plain.kts")
	if err != nil {
		t.Fatalf("FindByExtension failed: %v", err)
	}
	if got != generic {
		t.Fatalf("expected the generic .kts engine for plain.kts")
	}
}

func TestRegistryTieBreakMostRecent(t *testing.T) {
	reg := NewRegistry()
	first := newStubEngine("first", ".yaml")
	second := newStubEngine("second", ".yaml")
	if err := reg.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := reg.Register(second); err != nil {
		t.Fatalf("register second: %v", err)
	}

	got, err := reg.FindByExtension("pipeline.yaml")
	if err != nil {
		t.Fatalf("FindByExtension failed: %v", err)
	}
	if got != second {
		t.Fatalf("expected the most recently registered engine to win the tie")
	}
}

func TestRegistryUnregisterRemovesLookup(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newStubEngine("shell", ".sh")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	reg.Unregister("shell")

	if _, err := reg.FindByID("shell"); !errors.Is(err, domain.ErrEngineNotFound) {
		t.Fatalf("expected lookup to fail after unregister, got %v", err)
	}
	if _, err := reg.FindByExtension("run.sh"); !errors.Is(err, domain.ErrEngineNotFound) {
		t.Fatalf("expected extension lookup to fail after unregister, got %v", err)
	}
}

func TestRegistryFindByCapability(t *testing.T) {
	reg := NewRegistry()
	caching := newStubEngine("caching", ".a")
	plain := newStubEngine("plain", ".b")
	plain.desc.Capabilities = nil
	if err := reg.Register(caching); err != nil {
		t.Fatalf("register caching: %v", err)
	}
	if err := reg.Register(plain); err != nil {
		t.Fatalf("register plain: %v", err)
	}

	descs := reg.FindByCapability(domain.CapabilityCompilationCaching)
	if len(descs) != 1 || descs[0].ID != "caching" {
		t.Fatalf("unexpected capability match: %+v", descs)
	}
}

func TestRegistryConcurrentRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_ = reg.Register(newStubEngine(fmt.Sprintf("eng-%d", n), fmt.Sprintf(".e%d", n)))
		}(i)
		go func(n int) {
			defer wg.Done()
			// Lookups must observe a consistent registry regardless of the
			// interleaving; an error here is fine, a panic or torn read is not.
			_, _ = reg.FindByExtension(fmt.Sprintf("script.e%d", n))
		}(i)
	}
	wg.Wait()

	if got := len(reg.Descriptors()); got != 16 {
		t.Fatalf("expected 16 registrations, got %d", got)
	}
}
