package ident

import (
	"fmt"
	"slices"
	"weak"

	"github.com/roach88/tangle/internal/errs"
)

// Retention selects how the identity map holds live objects.
type Retention int

const (
	// WeakRetain holds weak pointers; unreferenced objects may be collected.
	WeakRetain Retention = iota

	// StrongRetain holds strong pointers until explicitly removed.
	StrongRetain
)

// ParseRetention maps a configuration string to a Retention.
// The empty string selects WeakRetain.
func ParseRetention(s string) (Retention, error) {
	switch s {
	case "", "weak":
		return WeakRetain, nil
	case "strong":
		return StrongRetain, nil
	default:
		return 0, fmt.Errorf("unknown retention policy %q: must be weak or strong", s)
	}
}

func (r Retention) String() string {
	if r == StrongRetain {
		return "strong"
	}
	return "weak"
}

// Map maps OIDs to the single live object for each.
type Map[T any] struct {
	policy Retention
	strong map[OID]*T
	weak   map[OID]weak.Pointer[T]
}

// NewMap creates an empty identity map with the given retention policy.
func NewMap[T any](policy Retention) *Map[T] {
	m := &Map[T]{policy: policy}
	m.reset()
	return m
}

func (m *Map[T]) reset() {
	if m.policy == StrongRetain {
		m.strong = make(map[OID]*T)
		return
	}
	m.weak = make(map[OID]weak.Pointer[T])
}

// Policy returns the map's retention policy.
func (m *Map[T]) Policy() Retention {
	return m.policy
}

// Get returns the live object for oid.
// Under WeakRetain a collected entry is dropped and reported as missing.
func (m *Map[T]) Get(oid OID) (*T, bool) {
	if m.policy == StrongRetain {
		v, ok := m.strong[oid]
		return v, ok
	}
	wp, ok := m.weak[oid]
	if !ok {
		return nil, false
	}
	v := wp.Value()
	if v == nil {
		delete(m.weak, oid)
		return nil, false
	}
	return v, true
}

// Contains reports whether a live object is mapped for oid.
func (m *Map[T]) Contains(oid OID) bool {
	_, ok := m.Get(oid)
	return ok
}

// Insert maps oid to v. Mapping an OID that already has a live object is an
// error; the existing entry is left untouched.
func (m *Map[T]) Insert(oid OID, v *T) error {
	if v == nil {
		return fmt.Errorf("identity map: nil object for oid %d", oid)
	}
	if oid.IsZero() {
		return fmt.Errorf("identity map: zero oid")
	}
	if existing, ok := m.Get(oid); ok {
		if existing == v {
			return nil
		}
		return errs.DuplicateInsert("", int64(oid))
	}
	if m.policy == StrongRetain {
		m.strong[oid] = v
	} else {
		m.weak[oid] = weak.Make(v)
	}
	return nil
}

// Remove drops the entry for oid. It reports whether an entry existed.
// The object itself is not affected.
func (m *Map[T]) Remove(oid OID) bool {
	if m.policy == StrongRetain {
		_, ok := m.strong[oid]
		delete(m.strong, oid)
		return ok
	}
	_, ok := m.weak[oid]
	delete(m.weak, oid)
	return ok
}

// Len returns the number of live entries.
func (m *Map[T]) Len() int {
	if m.policy == StrongRetain {
		return len(m.strong)
	}
	m.Sweep()
	return len(m.weak)
}

// Clear drops every entry.
func (m *Map[T]) Clear() {
	m.reset()
}

// Sweep drops weak entries whose objects have been collected and returns
// how many were dropped. It is a no-op under StrongRetain.
func (m *Map[T]) Sweep() int {
	if m.policy == StrongRetain {
		return 0
	}
	dropped := 0
	for oid, wp := range m.weak {
		if wp.Value() == nil {
			delete(m.weak, oid)
			dropped++
		}
	}
	return dropped
}

// OIDs returns the OIDs of all live entries in ascending order.
func (m *Map[T]) OIDs() []OID {
	var oids []OID
	if m.policy == StrongRetain {
		for oid := range m.strong {
			oids = append(oids, oid)
		}
	} else {
		m.Sweep()
		for oid := range m.weak {
			oids = append(oids, oid)
		}
	}
	slices.Sort(oids)
	return oids
}

// Range calls fn for each live entry in ascending OID order until fn
// returns false. fn must not modify the map.
func (m *Map[T]) Range(fn func(OID, *T) bool) {
	for _, oid := range m.OIDs() {
		v, ok := m.Get(oid)
		if !ok {
			continue
		}
		if !fn(oid, v) {
			return
		}
	}
}
