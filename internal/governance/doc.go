// Package governance coordinates runtime safety controls for the execution
// core: retry with backoff for pipeline steps, and per-policy-group violation
// budgets that take misbehaving script groups out of rotation until a
// cooldown elapses. The sandbox and runner depend on these primitives to
// protect the host without extra infrastructure coupling.
package governance
