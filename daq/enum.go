package daq

import (
	"fmt"
	"strings"
)

// State is one named, ordered member of a Vocabulary. The same type is used
// for both control states and transitions; a backend defines one vocabulary
// for each.
type State struct {
	name    string
	ordinal int
}

// Name returns the symbolic name of the value.
func (s State) Name() string { return s.name }

// Ordinal returns the numeric position of the value in its vocabulary.
func (s State) Ordinal() int { return s.ordinal }

func (s State) String() string { return s.name }

// Set is a subset of a vocabulary.
type Set map[State]struct{}

// Contains reports whether the set includes the given value.
func (set Set) Contains(s State) bool {
	_, ok := set[s]
	return ok
}

// Vocabulary is a closed, ordered list of named values with lookup by name or
// ordinal. It is used to express wait conditions declaratively, e.g.
// "done when state is one of S and transition is one of T".
type Vocabulary struct {
	values []State
	byName map[string]int
}

// NewVocabulary creates a vocabulary from the given names, ordered from
// ordinal zero upward. Name lookup is case-insensitive.
func NewVocabulary(names ...string) *Vocabulary {
	v := &Vocabulary{
		values: make([]State, 0, len(names)),
		byName: make(map[string]int, len(names)),
	}
	for i, name := range names {
		v.values = append(v.values, State{name: name, ordinal: i})
		v.byName[strings.ToLower(name)] = i
	}

	return v
}

// Len returns the number of values in the vocabulary.
func (v *Vocabulary) Len() int { return len(v.values) }

// Values returns all vocabulary values in ordinal order.
func (v *Vocabulary) Values() []State {
	values := make([]State, len(v.values))
	copy(values, v.values)

	return values
}

// Resolve interprets identifier as a member of the vocabulary. It accepts the
// symbolic name (case-insensitive), the numeric ordinal, or a State value.
// An unknown identifier fails with ErrUnknownValue.
func (v *Vocabulary) Resolve(identifier any) (State, error) {
	switch id := identifier.(type) {
	case State:
		if id.ordinal < len(v.values) && v.values[id.ordinal] == id {
			return id, nil
		}
	case string:
		if ord, ok := v.byName[strings.ToLower(id)]; ok {
			return v.values[ord], nil
		}
	case int:
		if id >= 0 && id < len(v.values) {
			return v.values[id], nil
		}
	}

	return State{}, fmt.Errorf("%w: %v", ErrUnknownValue, identifier)
}

// OneOf returns the subset of the vocabulary matching the given identifiers.
func (v *Vocabulary) OneOf(identifiers ...any) (Set, error) {
	set := make(Set, len(identifiers))
	for _, id := range identifiers {
		val, err := v.Resolve(id)
		if err != nil {
			return nil, err
		}
		set[val] = struct{}{}
	}

	return set, nil
}

// AllExcept returns the complement of OneOf: every vocabulary value other
// than the given identifiers.
func (v *Vocabulary) AllExcept(identifiers ...any) (Set, error) {
	exclude, err := v.OneOf(identifiers...)
	if err != nil {
		return nil, err
	}

	set := make(Set, len(v.values)-len(exclude))
	for _, val := range v.values {
		if !exclude.Contains(val) {
			set[val] = struct{}{}
		}
	}

	return set, nil
}

// MustResolve is like Resolve but panics on an unknown identifier. It is for
// package-level lookups of identifiers known at compile time.
func (v *Vocabulary) MustResolve(identifier any) State {
	val, err := v.Resolve(identifier)
	if err != nil {
		panic(err)
	}

	return val
}

// MustOneOf is like OneOf but panics on an unknown identifier.
func (v *Vocabulary) MustOneOf(identifiers ...any) Set {
	set, err := v.OneOf(identifiers...)
	if err != nil {
		panic(err)
	}

	return set
}

// MustAllExcept is like AllExcept but panics on an unknown identifier.
func (v *Vocabulary) MustAllExcept(identifiers ...any) Set {
	set, err := v.AllExcept(identifiers...)
	if err != nil {
		panic(err)
	}

	return set
}
