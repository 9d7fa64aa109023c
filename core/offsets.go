package core

// descendTypes is the set of container atoms applyOffsets walks into
// rather than skipping over.
var descendTypes = map[uint32]bool{
	fourCCOf("moov"): true,
	fourCCOf("trak"): true,
	fourCCOf("mdia"): true,
	fourCCOf("minf"): true,
	fourCCOf("stbl"): true,
}

var (
	typeSTCO = fourCCOf("stco")
	typeCO64 = fourCCOf("co64")
)

// applyOffsets walks moov (its 8-byte header included) and rewrites every
// stco/co64 chunk-offset table entry by adding edits.shiftAt(entry) to it.
//
// The walk is a flat cursor, not a recursive tree descent: entering a
// container just advances the cursor past its 8-byte header, and every
// other atom is skipped by its declared size. Because containers nest by
// construction, this reaches every descendant without a stack. The bounds
// check below is against the whole remaining moov buffer rather than a
// specific parent's declared length, which is equivalent for a single-pass
// cursor walk over a well-formed tree.
func applyOffsets(moov []byte, edits *editList) error {
	n := int64(len(moov))
	for i := int64(8); i < n; {
		if i+8 > n {
			return newError(CodeNotMovie, "truncated atom header at offset %d", i)
		}
		size := int64(getUint32(moov[i : i+4]))
		typ := getUint32(moov[i+4 : i+8])

		if size > n-i {
			return newError(CodeNotMovie, "atom at offset %d declares size %d beyond remaining %d bytes", i, size, n-i)
		}

		switch typ {
		case typeSTCO:
			if err := rewriteChunkOffsets32(moov[i:i+size], edits); err != nil {
				return err
			}
		case typeCO64:
			if err := rewriteChunkOffsets64(moov[i:i+size], edits); err != nil {
				return err
			}
		}

		if descendTypes[typ] {
			i += 8
		} else {
			i += size
		}
	}
	return nil
}

// applyConstantShift is the single-edit special case: shift every offset in
// moov by a constant delta, equivalent to applyOffsets with an edit list
// holding one entry at offset 0. Used by the compressed-moov fixpoint to
// apply an incremental bump without rebuilding the whole edit list, and to
// reverse the estimate entirely when compression fails to fit.
func applyConstantShift(moov []byte, delta int64) error {
	edits := newEditList()
	edits.add(0, delta)
	return applyOffsets(moov, edits)
}

// rewriteChunkOffsets32 rewrites an stco atom's 32-bit entries in place.
// atom is the full atom including its 8-byte header.
func rewriteChunkOffsets32(atom []byte, edits *editList) error {
	const entrySize = 4
	if len(atom) < 16 {
		return newError(CodeNotMovie, "stco atom too small (%d bytes)", len(atom))
	}
	count := int64(getUint32(atom[12:16]))
	payload := int64(len(atom)) - 8
	if count*entrySize > payload-8 {
		return newError(CodeNotMovie, "stco entry count %d exceeds atom payload", count)
	}
	for j := int64(0); j < count; j++ {
		off := 16 + j*entrySize
		entry := atom[off : off+entrySize]
		cur := int64(getUint32(entry))
		shifted := cur + edits.shiftAt(cur)
		if shifted < 0 || shifted > 0xFFFFFFFF {
			return newError(CodeNotMovie, "stco entry %d overflowed after shift (%d -> %d)", j, cur, shifted)
		}
		putUint32(entry, uint32(shifted))
	}
	return nil
}

// rewriteChunkOffsets64 rewrites a co64 atom's 64-bit entries in place.
func rewriteChunkOffsets64(atom []byte, edits *editList) error {
	const entrySize = 8
	if len(atom) < 16 {
		return newError(CodeNotMovie, "co64 atom too small (%d bytes)", len(atom))
	}
	count := int64(getUint32(atom[12:16]))
	payload := int64(len(atom)) - 8
	if count*entrySize > payload-8 {
		return newError(CodeNotMovie, "co64 entry count %d exceeds atom payload", count)
	}
	for j := int64(0); j < count; j++ {
		off := 16 + j*entrySize
		entry := atom[off : off+entrySize]
		cur := int64(getUint64(entry))
		shifted := cur + edits.shiftAt(cur)
		if shifted < 0 {
			return newError(CodeNotMovie, "co64 entry %d overflowed after shift (%d -> %d)", j, cur, shifted)
		}
		putUint64(entry, uint64(shifted))
	}
	return nil
}
