// Package deps answers dependency questions over a target's fix set. It never
// mutates state; callers decide whether to block, chain or proceed.
package deps

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/breeze-rmm/gamefix/internal/fixes"
)

var (
	// ErrCycle is returned when dependencies form a loop.
	ErrCycle = errors.New("dependency cycle")
	// ErrUnknownDependency is returned when a dependency is not in the fix set.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Resolver queries the static dependency edges of one target's fixes against
// the set of installed fix guids.
type Resolver struct {
	byGuid    map[uuid.UUID]fixes.Fix
	order     []fixes.Fix
	installed map[uuid.UUID]bool
}

// New builds a Resolver. installed may be nil.
func New(list []fixes.Fix, installed map[uuid.UUID]bool) *Resolver {
	r := &Resolver{
		byGuid:    make(map[uuid.UUID]fixes.Fix, len(list)),
		installed: installed,
	}
	for _, fix := range list {
		if fix == nil {
			continue
		}
		guid := fix.Common().Guid
		if _, dup := r.byGuid[guid]; dup {
			continue
		}
		r.byGuid[guid] = fix
		r.order = append(r.order, fix)
	}
	return r
}

// IsInstalled reports whether guid is in the installed set.
func (r *Resolver) IsInstalled(guid uuid.UUID) bool {
	return r.installed[guid]
}

// UninstalledDependenciesOf returns the direct dependencies of fix that are
// not installed, in declaration order. Dependencies missing from the fix set
// are skipped.
func (r *Resolver) UninstalledDependenciesOf(fix fixes.Fix) []fixes.Fix {
	var out []fixes.Fix
	for _, guid := range fix.Common().Dependencies {
		dep, ok := r.byGuid[guid]
		if !ok || r.installed[guid] {
			continue
		}
		out = append(out, dep)
	}
	return out
}

// InstalledDependentsOf returns the installed fixes that directly depend on
// guid, in fix set order.
func (r *Resolver) InstalledDependentsOf(guid uuid.UUID) []fixes.Fix {
	var out []fixes.Fix
	for _, fix := range r.order {
		b := fix.Common()
		if !r.installed[b.Guid] {
			continue
		}
		for _, dep := range b.Dependencies {
			if dep == guid {
				out = append(out, fix)
				break
			}
		}
	}
	return out
}

// InstallOrder returns fix and every dependency it transitively needs that is
// not installed yet, dependencies first and fix last.
func (r *Resolver) InstallOrder(fix fixes.Fix) ([]fixes.Fix, error) {
	const (
		visiting = 1
		done     = 2
	)
	state := map[uuid.UUID]int{}
	var out []fixes.Fix

	var visit func(f fixes.Fix, path []uuid.UUID) error
	visit = func(f fixes.Fix, path []uuid.UUID) error {
		guid := f.Common().Guid
		switch state[guid] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%s via %v: %w", f.Common().Name, append(path, guid), ErrCycle)
		}
		state[guid] = visiting
		for _, depGuid := range f.Common().Dependencies {
			dep, ok := r.byGuid[depGuid]
			if !ok {
				return fmt.Errorf("%s needs %s: %w", f.Common().Name, depGuid, ErrUnknownDependency)
			}
			if err := visit(dep, append(path, guid)); err != nil {
				return err
			}
		}
		state[guid] = done
		if !r.installed[guid] || guid == fix.Common().Guid {
			out = append(out, f)
		}
		return nil
	}

	if err := visit(fix, nil); err != nil {
		return nil, err
	}
	return out, nil
}
