package controller

// Role decides whether a chain reports efficiency.
type Role int

const (
	// RolePrimary chains sample the target posterior and report.
	RolePrimary Role = iota
	// RoleHelper chains are heated replicas; they use the weights but never
	// write observations.
	RoleHelper
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "helper"
}

// RoleForChain returns the role of a chain. Untempered chains and the cold
// chain (temperature 0) of a tempered ensemble are primary.
func RoleForChain(tempered bool, temperature float64) Role {
	if !tempered || temperature == 0 {
		return RolePrimary
	}
	return RoleHelper
}

// State is the controller lifecycle.
type State int

const (
	Uninitialized State = iota
	WeightsPending
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case WeightsPending:
		return "weights-pending"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
