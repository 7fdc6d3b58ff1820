package models

// Point is a location in the 2D feature space (projected coordinates or any
// pair of features the distance metric is applied to)
type Point struct {
	X, Y float64
}

// Observation is a single record of the reference dataset
type Observation struct {
	// Space is the spatial location of the observation
	Space Point

	// Time is the temporal coordinate (same unit as the time lags)
	Time float64

	// Value is the observed predictand
	Value float64
}

// Target is a space-time location at which a kriging correction is requested
type Target struct {
	Space Point
	Time  float64
}

// IndexSet is a set of observation indices, used for leave-out exclusion
type IndexSet map[int]struct{}

// NewIndexSet creates a set from a list of indices
func NewIndexSet(indices []int) IndexSet {
	if len(indices) == 0 {
		return nil
	}
	s := make(IndexSet, len(indices))
	for _, i := range indices {
		s[i] = struct{}{}
	}
	return s
}

// Contains reports whether i is in the set. A nil set contains nothing.
func (s IndexSet) Contains(i int) bool {
	_, ok := s[i]
	return ok
}
