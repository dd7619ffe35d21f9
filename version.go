package memtrace

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// HostVersionConstraint gates which interpreter host versions this
// engine's struct-offset tables (pyframe.go) are allowed to attach to.
// Generalizes a hardcoded CPython-3.11-only check into a declared semver
// range, since a host adapter's padding tables are only valid for the
// exact struct layout of the versions they were measured against.
type HostVersionConstraint struct {
	constraint *semver.Constraints
	raw        string
}

// NewHostVersionConstraint parses a semver constraint expression (e.g.
// "~3.11.0" or ">=3.11.0, <3.12.0"). An empty expression accepts any
// version, matching a host that has not declared one.
func NewHostVersionConstraint(expr string) (HostVersionConstraint, error) {
	if expr == "" {
		return HostVersionConstraint{raw: expr}, nil
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return HostVersionConstraint{}, fmt.Errorf("memtrace: invalid host version constraint %q: %w", expr, err)
	}
	return HostVersionConstraint{constraint: c, raw: expr}, nil
}

// Check reports an error if version does not satisfy the constraint. A
// version string that fails to parse as semver is rejected rather than
// silently accepted.
func (h HostVersionConstraint) Check(version string) error {
	if h.constraint == nil {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("memtrace: could not parse reported host version %q: %w", version, err)
	}
	if !h.constraint.Check(v) {
		return fmt.Errorf("memtrace: host version %s does not satisfy constraint %s", version, h.raw)
	}
	return nil
}

func (h HostVersionConstraint) String() string {
	if h.raw == "" {
		return "(any)"
	}
	return h.raw
}
