package models

import "sort"

// ItemSet is an unordered set of item ids.
type ItemSet map[int64]struct{}

// NewItemSet builds a set from ids.
func NewItemSet(ids ...int64) ItemSet {
	s := make(ItemSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts ids into s.
func (s ItemSet) Add(ids ...int64) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Has reports whether id is in s.
func (s ItemSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids in s.
func (s ItemSet) Len() int { return len(s) }

// Sorted returns the ids in ascending order.
func (s ItemSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Union returns the ids present in any of the sets.
func Union(sets ...ItemSet) ItemSet {
	out := make(ItemSet)
	for _, s := range sets {
		for id := range s {
			out[id] = struct{}{}
		}
	}
	return out
}

// Intersect returns the ids present in both a and b.
func Intersect(a, b ItemSet) ItemSet {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(ItemSet)
	for id := range a {
		if b.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Subtract returns the ids of a that are not in b.
func Subtract(a, b ItemSet) ItemSet {
	out := make(ItemSet)
	for id := range a {
		if !b.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Batches splits ids into consecutive slices of at most size elements.
func Batches(ids []int64, size int) [][]int64 {
	if size <= 0 || len(ids) <= size {
		if len(ids) == 0 {
			return nil
		}
		return [][]int64{ids}
	}
	out := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
