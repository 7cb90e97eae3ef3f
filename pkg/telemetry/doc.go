// Package telemetry wires OpenTelemetry exporters and meters for the
// Conveyor engine.
//
// It centralises trace provider setup, applies conveyor-specific resource
// attributes, and offers helpers that attach engine, cache, and sandbox
// metadata to spans and metrics so operators can correlate pipeline outcomes
// with resource enforcement decisions.
package telemetry
