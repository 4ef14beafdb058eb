package engine

import (
	"maps"
	"slices"
)

type classIndex struct {
	ids  []int64
	keys map[string]int64
}

func (c *classIndex) clone() *classIndex {
	return &classIndex{ids: slices.Clone(c.ids), keys: maps.Clone(c.keys)}
}

// snapshot is an immutable view of every row at one commit version. A forked snapshot is
// mutable until it is published.
type snapshot struct {
	version int64
	rows    map[int64]Row
	classes map[string]*classIndex
	owned   map[string]bool
}

func emptySnapshot() *snapshot {
	return &snapshot{rows: map[int64]Row{}, classes: map[string]*classIndex{}, owned: map[string]bool{}}
}

func (s *snapshot) fork() *snapshot {
	return &snapshot{
		version: s.version,
		rows:    maps.Clone(s.rows),
		classes: maps.Clone(s.classes),
		owned:   map[string]bool{},
	}
}

func (s *snapshot) mutableClass(class string) *classIndex {
	index, ok := s.classes[class]
	switch {
	case !ok:
		index = &classIndex{keys: map[string]int64{}}
	case !s.owned[class]:
		index = index.clone()
	default:
		return index
	}
	s.classes[class] = index
	s.owned[class] = true
	return index
}

func (s *snapshot) put(row Row) {
	previous, existed := s.rows[row.ID]
	s.rows[row.ID] = row
	index := s.mutableClass(row.Class)
	if existed {
		if previous.PrimaryKey != nil {
			delete(index.keys, *previous.PrimaryKey)
		}
	} else {
		position, _ := slices.BinarySearch(index.ids, row.ID)
		index.ids = slices.Insert(index.ids, position, row.ID)
	}
	if row.PrimaryKey != nil {
		index.keys[*row.PrimaryKey] = row.ID
	}
}

func (s *snapshot) remove(id int64) (Row, bool) {
	row, ok := s.rows[id]
	if !ok {
		return Row{}, false
	}
	delete(s.rows, id)
	index := s.mutableClass(row.Class)
	if position, found := slices.BinarySearch(index.ids, id); found {
		index.ids = slices.Delete(index.ids, position, position+1)
	}
	if row.PrimaryKey != nil {
		delete(index.keys, *row.PrimaryKey)
	}
	return row, true
}

func (s *snapshot) get(id int64) (Row, bool) {
	row, ok := s.rows[id]
	return row, ok
}

func (s *snapshot) lookup(class, key string) (Row, bool) {
	index, ok := s.classes[class]
	if !ok {
		return Row{}, false
	}
	id, ok := index.keys[key]
	if !ok {
		return Row{}, false
	}
	return s.rows[id], true
}

func (s *snapshot) scan(class string) []Row {
	index, ok := s.classes[class]
	if !ok {
		return nil
	}
	out := make([]Row, 0, len(index.ids))
	for _, id := range index.ids {
		out = append(out, s.rows[id])
	}
	return out
}

func (s *snapshot) classIDs(class string) []int64 {
	index, ok := s.classes[class]
	if !ok {
		return nil
	}
	return slices.Clone(index.ids)
}
