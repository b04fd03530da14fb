package rbac

import "errors"

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrConstraint indicates a store-level uniqueness violation, such as a
	// duplicate singleton name.
	ErrConstraint = errors.New("rbac: constraint violation")
	// ErrCycle indicates an edge mutation that would make the role graph
	// cyclic, or a cycle detected while propagating a closure rebuild.
	ErrCycle = errors.New("rbac: role graph cycle")
)
