// Package interval provides an augmented interval index over half-open
// [start, end) ranges.
package interval

import "sort"

// Interval is one stored range with its payload.
type Interval[T any] struct {
	Start int64
	End   int64
	Value T
}

// Overlaps reports whether the interval intersects [start, end).
func (it Interval[T]) Overlaps(start, end int64) bool {
	return it.Start < end && start < it.End
}

// Index answers overlap queries in O(log n + k). Items are kept sorted by
// start and viewed as an implicit balanced tree (midpoint of each range is the
// node) where every node carries the maximum end of its subtree.
// Not safe for concurrent use while inserting.
type Index[T any] struct {
	items  []Interval[T]
	maxEnd []int64
	seq    []int
	dirty  bool
}

// New returns an empty index.
func New[T any]() *Index[T] {
	return &Index[T]{}
}

// Insert adds [start, end). Ranges with end <= start are stored but never match.
func (ix *Index[T]) Insert(start, end int64, value T) {
	ix.items = append(ix.items, Interval[T]{Start: start, End: end, Value: value})
	ix.seq = append(ix.seq, len(ix.seq))
	ix.dirty = true
}

// Len returns the number of stored intervals.
func (ix *Index[T]) Len() int {
	return len(ix.items)
}

// Search returns every stored interval overlapping [start, end), ordered by
// start and then by insertion order.
func (ix *Index[T]) Search(start, end int64) []Interval[T] {
	if end <= start || len(ix.items) == 0 {
		return nil
	}
	ix.build()

	var out []Interval[T]
	ix.search(0, len(ix.items), start, end, &out)
	return out
}

func (ix *Index[T]) search(lo, hi int, start, end int64, out *[]Interval[T]) {
	if lo >= hi {
		return
	}
	mid := lo + (hi-lo)/2
	// nothing in this subtree ends after start
	if ix.maxEnd[mid] <= start {
		return
	}
	ix.search(lo, mid, start, end, out)

	it := ix.items[mid]
	if it.Start >= end {
		// right subtree starts even later
		return
	}
	if it.Overlaps(start, end) {
		*out = append(*out, it)
	}
	ix.search(mid+1, hi, start, end, out)
}

func (ix *Index[T]) build() {
	if !ix.dirty {
		return
	}
	sort.Sort(byStart[T]{ix})
	ix.maxEnd = make([]int64, len(ix.items))
	ix.augment(0, len(ix.items))
	ix.dirty = false
}

func (ix *Index[T]) augment(lo, hi int) int64 {
	if lo >= hi {
		return minInt64
	}
	mid := lo + (hi-lo)/2
	m := ix.items[mid].End
	if l := ix.augment(lo, mid); l > m {
		m = l
	}
	if r := ix.augment(mid+1, hi); r > m {
		m = r
	}
	ix.maxEnd[mid] = m
	return m
}

const minInt64 = -1 << 63

type byStart[T any] struct{ ix *Index[T] }

func (b byStart[T]) Len() int { return len(b.ix.items) }

func (b byStart[T]) Less(i, j int) bool {
	if b.ix.items[i].Start != b.ix.items[j].Start {
		return b.ix.items[i].Start < b.ix.items[j].Start
	}
	return b.ix.seq[i] < b.ix.seq[j]
}

func (b byStart[T]) Swap(i, j int) {
	b.ix.items[i], b.ix.items[j] = b.ix.items[j], b.ix.items[i]
	b.ix.seq[i], b.ix.seq[j] = b.ix.seq[j], b.ix.seq[i]
}
