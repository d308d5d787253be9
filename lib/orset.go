package lib

import (
	"sort"
)

// Dot is a unique tag of a single add operation: the actor that made it
// and the actor's counter at that moment.
type Dot struct {
	Actor   string
	Counter uint64
}

func (d Dot) less(other Dot) bool {
	if d.Actor != other.Actor {
		return d.Actor < other.Actor
	}
	return d.Counter < other.Counter
}

type DeltaKind uint8

const (
	DeltaAdd    DeltaKind = 1
	DeltaRemove DeltaKind = 2
)

// Delta is a single OR-set mutation. An add carries the new dot, a remove
// carries every dot of the element the remover had observed.
type Delta[E comparable] struct {
	Kind    DeltaKind
	Element E
	Dot     Dot
	Dots    []Dot
}

// ORSetEntry is an element with its live dots.
type ORSetEntry[E comparable] struct {
	Element E
	Dots    []Dot
}

// ORSetState is the serializable form of an ORSet. Entries and dots are
// sorted, so two sets with the same logical state have equal states.
type ORSetState[E comparable] struct {
	Entries []ORSetEntry[E]
	Removed []Dot
}

// ORSet is an add-wins observed-remove set. It is not safe for concurrent
// use; the cluster server owns its instance.
type ORSet[E comparable] struct {
	entries  map[E]map[Dot]struct{}
	removed  map[Dot]struct{}
	counters map[string]uint64
}

func NewORSet[E comparable]() *ORSet[E] {
	return &ORSet[E]{
		entries:  make(map[E]map[Dot]struct{}),
		removed:  make(map[Dot]struct{}),
		counters: make(map[string]uint64),
	}
}

// Add inserts the element tagging it with a fresh dot of the given actor.
func (s *ORSet[E]) Add(actor string, element E) Delta[E] {
	s.counters[actor]++
	dot := Dot{Actor: actor, Counter: s.counters[actor]}
	s.insert(element, dot)
	return Delta[E]{Kind: DeltaAdd, Element: element, Dot: dot}
}

// Remove deletes the element. Returns false if the element wasn't there.
func (s *ORSet[E]) Remove(element E) (Delta[E], bool) {
	dots, found := s.entries[element]
	if found == false {
		return Delta[E]{}, false
	}
	observed := make([]Dot, 0, len(dots))
	for dot := range dots {
		observed = append(observed, dot)
		s.removed[dot] = struct{}{}
	}
	delete(s.entries, element)
	sortDots(observed)
	return Delta[E]{Kind: DeltaRemove, Element: element, Dots: observed}, true
}

// Apply merges a delta made by another replica. Returns true if the local
// state has changed.
func (s *ORSet[E]) Apply(delta Delta[E]) bool {
	switch delta.Kind {
	case DeltaAdd:
		if _, gone := s.removed[delta.Dot]; gone {
			return false
		}
		if dots, found := s.entries[delta.Element]; found {
			if _, seen := dots[delta.Dot]; seen {
				return false
			}
		}
		s.insert(delta.Element, delta.Dot)
		return true

	case DeltaRemove:
		changed := false
		for _, dot := range delta.Dots {
			if _, gone := s.removed[dot]; gone {
				continue
			}
			s.removed[dot] = struct{}{}
			s.observe(dot)
			changed = true
			if dots, found := s.entries[delta.Element]; found {
				delete(dots, dot)
				if len(dots) == 0 {
					delete(s.entries, delta.Element)
				}
			}
		}
		return changed
	}
	return false
}

// Join merges the full state of another replica. Returns true if the local
// state has changed.
func (s *ORSet[E]) Join(state ORSetState[E]) bool {
	changed := false
	for _, dot := range state.Removed {
		if _, gone := s.removed[dot]; gone {
			continue
		}
		s.removed[dot] = struct{}{}
		s.observe(dot)
		changed = true
	}
	// drop local dots removed by the other replica
	for element, dots := range s.entries {
		for dot := range dots {
			if _, gone := s.removed[dot]; gone {
				delete(dots, dot)
			}
		}
		if len(dots) == 0 {
			delete(s.entries, element)
		}
	}
	for _, entry := range state.Entries {
		for _, dot := range entry.Dots {
			if _, gone := s.removed[dot]; gone {
				continue
			}
			if dots, found := s.entries[entry.Element]; found {
				if _, seen := dots[dot]; seen {
					continue
				}
			}
			s.insert(entry.Element, dot)
			changed = true
		}
	}
	return changed
}

// Contains reports whether the element is in the set
func (s *ORSet[E]) Contains(element E) bool {
	_, found := s.entries[element]
	return found
}

// Elements returns the elements in no particular order
func (s *ORSet[E]) Elements() []E {
	elements := make([]E, 0, len(s.entries))
	for element := range s.entries {
		elements = append(elements, element)
	}
	return elements
}

func (s *ORSet[E]) Len() int {
	return len(s.entries)
}

// State returns a deep copy of the set in its serializable form.
func (s *ORSet[E]) State() ORSetState[E] {
	state := ORSetState[E]{
		Entries: make([]ORSetEntry[E], 0, len(s.entries)),
		Removed: make([]Dot, 0, len(s.removed)),
	}
	for element, dots := range s.entries {
		entry := ORSetEntry[E]{Element: element, Dots: make([]Dot, 0, len(dots))}
		for dot := range dots {
			entry.Dots = append(entry.Dots, dot)
		}
		sortDots(entry.Dots)
		state.Entries = append(state.Entries, entry)
	}
	// dots are unique across the elements, so the smallest dot of each
	// entry gives a total order
	sort.Slice(state.Entries, func(i, j int) bool {
		return state.Entries[i].Dots[0].less(state.Entries[j].Dots[0])
	})
	for dot := range s.removed {
		state.Removed = append(state.Removed, dot)
	}
	sortDots(state.Removed)
	return state
}

// Equal compares the logical state of two sets
func (s *ORSet[E]) Equal(other *ORSet[E]) bool {
	if len(s.entries) != len(other.entries) || len(s.removed) != len(other.removed) {
		return false
	}
	for dot := range s.removed {
		if _, found := other.removed[dot]; found == false {
			return false
		}
	}
	for element, dots := range s.entries {
		odots, found := other.entries[element]
		if found == false || len(odots) != len(dots) {
			return false
		}
		for dot := range dots {
			if _, found := odots[dot]; found == false {
				return false
			}
		}
	}
	return true
}

func (s *ORSet[E]) insert(element E, dot Dot) {
	dots, found := s.entries[element]
	if found == false {
		dots = make(map[Dot]struct{})
		s.entries[element] = dots
	}
	dots[dot] = struct{}{}
	s.observe(dot)
}

func (s *ORSet[E]) observe(dot Dot) {
	if dot.Counter > s.counters[dot.Actor] {
		s.counters[dot.Actor] = dot.Counter
	}
}

func sortDots(dots []Dot) {
	sort.Slice(dots, func(i, j int) bool {
		return dots[i].less(dots[j])
	})
}
