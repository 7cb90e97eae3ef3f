// Package sandbox builds the execution boundary around a compile or run call:
// an isolation backend (inline, logical, process, or container), cooperative
// security-policy checks backed by the policy engine, and resource
// supervision with per-policy-group violation budgets.
package sandbox
