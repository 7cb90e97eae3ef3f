// Package policy evaluates sandbox security policies with an embedded OPA
// instance. The sandbox manager consults it at every cooperative permission
// check (network, filesystem, reflection).
package policy

import (
	"github.com/conveyorci/conveyor/pkg/domain"
)

// CheckKind names one class of permission check.
type CheckKind string

const (
	CheckNetwork    CheckKind = "network"
	CheckFilesystem CheckKind = "filesystem"
	CheckReflection CheckKind = "reflection"
)

// Input is one permission question posed to the engine.
type Input struct {
	Kind   CheckKind
	Policy domain.SecurityPolicy

	// Network checks.
	Host string
	Port int

	// Filesystem checks.
	Path  string
	Write bool
}

// Decision is the engine's answer.
type Decision struct {
	Allow  bool
	Reason string
}

// payload converts the input into the document shape the rego module expects.
func (in Input) payload() map[string]any {
	return map[string]any{
		"kind":  string(in.Kind),
		"host":  in.Host,
		"port":  in.Port,
		"path":  in.Path,
		"write": in.Write,
		"policy": map[string]any{
			"allow_network":    in.Policy.AllowNetworkAccess,
			"allow_filesystem": in.Policy.AllowFileSystemAccess,
			"allow_reflection": in.Policy.AllowReflection,
			"allowed_hosts":    toAnySlice(in.Policy.AllowedHosts),
			"allowed_ports":    portsToAnySlice(in.Policy.AllowedPorts),
			"blocked_ips":      toAnySlice(in.Policy.BlockedIPs),
			"allowed_paths":    toAnySlice(in.Policy.AllowedPaths),
			"blocked_paths":    toAnySlice(in.Policy.BlockedPaths),
			"read_only_paths":  toAnySlice(in.Policy.ReadOnlyPaths),
		},
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func portsToAnySlice(in []int) []any {
	out := make([]any, len(in))
	for i, p := range in {
		out[i] = p
	}
	return out
}

// sandboxModule is the built-in decision policy. Empty allow lists mean
// "no restriction"; blocked entries always win over allowed ones.
const sandboxModule = `package sandbox

import rego.v1

default decision := {"allow": false, "reason": "denied by sandbox policy"}

decision := {"allow": true, "reason": "permitted"} if allow

allow if {
	input.kind == "network"
	network_allowed
}

allow if {
	input.kind == "filesystem"
	filesystem_allowed
}

allow if {
	input.kind == "reflection"
	input.policy.allow_reflection
}

network_allowed if {
	input.policy.allow_network
	not ip_blocked
	host_allowed
	port_allowed
}

host_allowed if count(input.policy.allowed_hosts) == 0

host_allowed if input.host in input.policy.allowed_hosts

port_allowed if count(input.policy.allowed_ports) == 0

port_allowed if input.port in input.policy.allowed_ports

ip_blocked if input.host in input.policy.blocked_ips

filesystem_allowed if {
	input.policy.allow_filesystem
	not path_blocked
	path_allowed
}

path_allowed if count(input.policy.allowed_paths) == 0

path_allowed if {
	some prefix in input.policy.allowed_paths
	startswith(input.path, prefix)
}

path_blocked if {
	some prefix in input.policy.blocked_paths
	startswith(input.path, prefix)
}

path_blocked if {
	input.write
	some prefix in input.policy.read_only_paths
	startswith(input.path, prefix)
}
`
