// Package domain defines the core business types shared by the engine,
// cache, sandbox, and runner packages.
//
// This package contains pure domain logic with ZERO external dependencies
// outside the Go standard library. All types in this package are:
//
// - Independent of infrastructure (no engines, processes, containers)
// - Technology-agnostic (no framework coupling)
// - Testable in isolation without mocks
//
// Other packages (engine, sandbox, cache, runner) implement behaviour around
// these types and depend on them. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
