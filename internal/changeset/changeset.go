// Package changeset describes deltas between two observed versions of a live collection.
package changeset

import (
	"slices"
)

// ChangeSet is an immutable triple of ordered, deduplicated index sets. Inserted and
// modified indices refer to the new version; deleted indices refer to the old version.
type ChangeSet struct {
	inserted []int
	modified []int
	deleted  []int
}

// New builds a ChangeSet, sorting and deduplicating each index set.
func New(inserted, modified, deleted []int) ChangeSet {
	return ChangeSet{
		inserted: normalize(inserted),
		modified: normalize(modified),
		deleted:  normalize(deleted),
	}
}

// InsertedIndices returns positions of inserted rows in the new version.
func (cs ChangeSet) InsertedIndices() []int {
	return slices.Clone(cs.inserted)
}

// ModifiedIndices returns positions of modified rows in the new version.
func (cs ChangeSet) ModifiedIndices() []int {
	return slices.Clone(cs.modified)
}

// DeletedIndices returns positions of deleted rows in the old version.
func (cs ChangeSet) DeletedIndices() []int {
	return slices.Clone(cs.deleted)
}

// Empty reports whether the change set carries no change at all.
func (cs ChangeSet) Empty() bool {
	return len(cs.inserted) == 0 && len(cs.modified) == 0 && len(cs.deleted) == 0
}

// RowRef identifies one row of a materialized collection together with the commit
// version that last modified it.
type RowRef struct {
	ID      int64
	Version int64
}

// Compute diffs two snapshots of a collection. baseVersion is the commit version the
// old snapshot was taken at; rows present in both snapshots whose version is newer are
// reported as modified. Rows whose relative order changed are reported as a deletion
// from the old position and an insertion at the new one.
func Compute(old, current []RowRef, baseVersion int64) ChangeSet {
	oldIndex := make(map[int64]int, len(old))
	for i, ref := range old {
		oldIndex[ref.ID] = i
	}
	newIndex := make(map[int64]int, len(current))
	for i, ref := range current {
		newIndex[ref.ID] = i
	}

	var inserted, modified, deleted []int
	common := make([]int, 0, len(old))
	for i, ref := range old {
		j, ok := newIndex[ref.ID]
		if !ok {
			deleted = append(deleted, i)
			continue
		}
		common = append(common, j)
	}
	for j, ref := range current {
		if _, ok := oldIndex[ref.ID]; !ok {
			inserted = append(inserted, j)
		}
	}

	stable := longestIncreasing(common)
	for _, j := range common {
		ref := current[j]
		if _, keep := stable[j]; !keep {
			deleted = append(deleted, oldIndex[ref.ID])
			inserted = append(inserted, j)
			continue
		}
		if ref.Version > baseVersion {
			modified = append(modified, j)
		}
	}

	return New(inserted, modified, deleted)
}

// longestIncreasing returns the members of one longest strictly increasing subsequence.
func longestIncreasing(values []int) map[int]struct{} {
	if len(values) == 0 {
		return nil
	}
	tails := make([]int, 0, len(values))
	prev := make([]int, len(values))
	for i, value := range values {
		pos, _ := slices.BinarySearchFunc(tails, value, func(tailIdx int, target int) int {
			return values[tailIdx] - target
		})
		if pos > 0 {
			prev[i] = tails[pos-1]
		} else {
			prev[i] = -1
		}
		if pos == len(tails) {
			tails = append(tails, i)
		} else {
			tails[pos] = i
		}
	}
	result := make(map[int]struct{}, len(tails))
	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		result[values[i]] = struct{}{}
	}
	return result
}

func normalize(indices []int) []int {
	if len(indices) == 0 {
		return nil
	}
	out := slices.Clone(indices)
	slices.Sort(out)
	return slices.Compact(out)
}
