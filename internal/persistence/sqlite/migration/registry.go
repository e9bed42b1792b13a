package migration

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

// unitNamePattern enforces <number>_<description>: a numeric ordering
// prefix, an underscore, then a word made of letters, digits, hyphens
// and underscores.
var unitNamePattern = regexp.MustCompile(`^\d+_[a-zA-Z0-9_-]+$`)

// AppliedSource reports which units the ledger records as successfully
// applied.
type AppliedSource interface {
	AppliedSet(ctx context.Context) (map[string]bool, error)
}

// Registry holds the explicitly registered migration units in execution
// order. Units are registered at startup; there is no filesystem or
// symbol scanning involved.
type Registry struct {
	units  []Unit
	byName map[string]int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register validates and adds units. Names must match the naming
// convention, be unique, and carry an upgrade function. The whole batch
// is validated before anything is added; an invalid unit leaves the
// registry unchanged.
func (r *Registry) Register(units ...Unit) error {
	seen := make(map[string]bool, len(units))
	for _, unit := range units {
		if !unitNamePattern.MatchString(unit.Name) {
			return &DiscoveryError{Unit: unit.Name, Err: ErrInvalidUnitName}
		}
		if _, exists := r.byName[unit.Name]; exists || seen[unit.Name] {
			return &DiscoveryError{Unit: unit.Name, Err: ErrDuplicateUnit}
		}
		if unit.Upgrade == nil {
			return &DiscoveryError{Unit: unit.Name, Err: ErrMissingUpgrade}
		}
		seen[unit.Name] = true
	}
	for _, unit := range units {
		r.byName[unit.Name] = len(r.units)
		r.units = append(r.units, unit)
	}
	return nil
}

// Get returns the named unit.
func (r *Registry) Get(name string) (Unit, error) {
	idx, ok := r.byName[name]
	if !ok {
		return Unit{}, fmt.Errorf("migration: %q: %w", name, ErrUnknownUnit)
	}
	return r.units[idx], nil
}

// Units returns all registered units sorted by name. The numeric prefix
// convention makes lexical order the execution order as long as prefixes
// are zero-padded to the same width.
func (r *Registry) Units() []Unit {
	out := make([]Unit, len(r.units))
	copy(out, r.units)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Pending returns the registered units the source does not record as
// applied, in execution order.
func (r *Registry) Pending(ctx context.Context, source AppliedSource) ([]Unit, error) {
	applied, err := source.AppliedSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration: read applied set: %w", err)
	}

	var pending []Unit
	for _, unit := range r.Units() {
		if !applied[unit.Name] {
			pending = append(pending, unit)
		}
	}
	return pending, nil
}

// Len returns the number of registered units.
func (r *Registry) Len() int {
	return len(r.units)
}
