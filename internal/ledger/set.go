package ledger

// Set is an unordered collection of user ids.
type Set map[string]struct{}

// NewSet builds a set from the given ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}

	return s
}

// Add inserts an id into the set.
func (s Set) Add(id string) {
	s[id] = struct{}{}
}

// Contains reports whether the set holds the given id.
func (s Set) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Union returns a new set with the members of both sets.
func (s Set) Union(other Set) Set {
	result := make(Set, len(s)+len(other))
	for id := range s {
		result[id] = struct{}{}
	}

	for id := range other {
		result[id] = struct{}{}
	}

	return result
}

// Difference returns a new set with the members of s not present in other.
func (s Set) Difference(other Set) Set {
	result := make(Set, len(s))

	for id := range s {
		if !other.Contains(id) {
			result[id] = struct{}{}
		}
	}

	return result
}

// Items returns the members of the set in unspecified order.
func (s Set) Items() []string {
	items := make([]string, 0, len(s))
	for id := range s {
		items = append(items, id)
	}

	return items
}
