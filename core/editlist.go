package core

// editEntry is a single (offset, delta) pair in the edit list: "every byte
// that was at or after offset in the original file shifts by delta."
type editEntry struct {
	offset int64
	delta  int64
	next   *editEntry
}

// editList is an append-only journal of offset shifts. It answers
// shiftAt(x): the cumulative byte shift applied to content that originally
// lived at file offset x. Entries are prepended (O(1) add); shiftAt walks
// the whole list, which is fine since it never holds more than a handful of
// entries (one per skipped top-level atom, plus one for the relocated
// moov) in practice.
type editList struct {
	head *editEntry
}

func newEditList() *editList {
	return &editList{}
}

// add records that content at offset and beyond shifts by delta. Order of
// insertion doesn't affect shiftAt's result.
func (l *editList) add(offset, delta int64) {
	l.head = &editEntry{offset: offset, delta: delta, next: l.head}
}

// shiftAt returns the sum of delta over every entry whose offset is <= x.
func (l *editList) shiftAt(x int64) int64 {
	var total int64
	for e := l.head; e != nil; e = e.next {
		if e.offset <= x {
			total += e.delta
		}
	}
	return total
}
