package core

import (
	"io"
	"os"
)

// ChunkOffsetTable summarizes one track's stco/co64 table for diagnostic
// reporting, narrowed to the offsets this package actually rewrites rather
// than full sample mapping.
type ChunkOffsetTable struct {
	TrackIndex int
	Type       string // "stco" or "co64"
	EntryCount int
	MinOffset  int64
	MaxOffset  int64
}

// InspectChunkOffsets walks a probed atom tree (from FastProbe) and reports
// every track's chunk-offset table: its width (32- or 64-bit), how many
// entries it holds, and the offset range it spans. It's read-only: unlike
// applyOffsets, which rewrites entries in an in-memory moov buffer, it never
// modifies anything.
func InspectChunkOffsets(file *os.File, atoms []Atom) ([]ChunkOffsetTable, error) {
	var tables []ChunkOffsetTable
	trackIndex := 0

	for _, top := range atoms {
		if top.Type != "moov" {
			continue
		}
		for _, trak := range top.Children {
			if trak.Type != "trak" {
				continue
			}
			trackIndex++
			atom := findDescendant(trak, "stco")
			typ := "stco"
			if atom == nil {
				atom = findDescendant(trak, "co64")
				typ = "co64"
			}
			if atom == nil {
				continue
			}

			report, err := readChunkOffsetTable(file, *atom, typ, trackIndex)
			if err != nil {
				return nil, err
			}
			tables = append(tables, report)
		}
	}

	return tables, nil
}

// findDescendant searches atom's subtree for an atom of the given type,
// checking atom's direct children before recursing into each child in turn.
func findDescendant(atom Atom, typ string) *Atom {
	for i := range atom.Children {
		if atom.Children[i].Type == typ {
			return &atom.Children[i]
		}
	}
	for i := range atom.Children {
		if found := findDescendant(atom.Children[i], typ); found != nil {
			return found
		}
	}
	return nil
}

// readChunkOffsetTable reads an stco/co64 atom's entries directly from
// file and summarizes them.
func readChunkOffsetTable(file *os.File, atom Atom, typ string, trackIndex int) (ChunkOffsetTable, error) {
	if _, err := file.Seek(atom.Offset+8, io.SeekStart); err != nil {
		return ChunkOffsetTable{}, newError(CodeReadError, "%v", err)
	}

	var header [8]byte // version+flags, entry count
	if err := readExact(file, header[:]); err != nil {
		return ChunkOffsetTable{}, err
	}
	count := int(getUint32(header[4:8]))

	entrySize := int64(4)
	if typ == "co64" {
		entrySize = 8
	}

	report := ChunkOffsetTable{TrackIndex: trackIndex, Type: typ, EntryCount: count}
	if count == 0 {
		return report, nil
	}

	payload := make([]byte, int64(count)*entrySize)
	if err := readExact(file, payload); err != nil {
		return ChunkOffsetTable{}, err
	}

	report.MinOffset = -1
	for i := 0; i < count; i++ {
		var v int64
		if typ == "co64" {
			v = int64(getUint64(payload[i*8 : i*8+8]))
		} else {
			v = int64(getUint32(payload[i*4 : i*4+4]))
		}
		if report.MinOffset == -1 || v < report.MinOffset {
			report.MinOffset = v
		}
		if v > report.MaxOffset {
			report.MaxOffset = v
		}
	}

	return report, nil
}
