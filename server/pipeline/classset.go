package pipeline

import (
	"github.com/cyclopcam/intruder/pkg/gen"
)

// ClassSet is an immutable set of class ids.
// To change the alarm classes, a new ClassSet is built and swapped in.
type ClassSet struct {
	ids     []int
	members map[int]bool
}

// NewClassSet creates a set from ids. Negative ids are ignored, and duplicates are removed.
func NewClassSet(ids []int) *ClassSet {
	valid := make([]int, 0, len(ids))
	for _, id := range ids {
		if id >= 0 {
			valid = append(valid, id)
		}
	}
	s := &ClassSet{
		ids:     gen.SortedUnique(valid),
		members: map[int]bool{},
	}
	for _, id := range s.ids {
		s.members[id] = true
	}
	return s
}

func (s *ClassSet) Contains(class int) bool {
	if s == nil {
		return false
	}
	return s.members[class]
}

// IDs returns a sorted copy of the ids in the set
func (s *ClassSet) IDs() []int {
	if s == nil {
		return []int{}
	}
	return append([]int{}, s.ids...)
}

func (s *ClassSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}
