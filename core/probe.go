package core

import (
	"fmt"
	"io"
	"os"
)

// containerAtoms defines which atoms FastProbe descends into rather than
// treating as a leaf: the atom types that hold chunk-offset tables plus
// dinf/mvex, which show up in real files even though nothing under them
// needs rewriting.
var containerAtoms = map[string]bool{
	"moov": true,
	"trak": true,
	"mdia": true,
	"minf": true,
	"dinf": true,
	"stbl": true,
	"mvex": true,
}

// Atom is a node in a probed atom tree: its position and size in the file,
// its four-character type, and, for container types, its children.
type Atom struct {
	Offset   int64
	Size     int64
	Type     string
	Children []Atom
}

func (a Atom) String() string {
	return fmt.Sprintf("[%s] @ %d (size %d)", a.Type, a.Offset, a.Size)
}

// FastProbe walks file's atom tree without reading any atom's payload,
// recursing into container atoms and treating everything else as a leaf.
func FastProbe(file *os.File) ([]Atom, error) {
	size, err := fileSize(file)
	if err != nil {
		return nil, err
	}
	return parseAtoms(file, 0, size)
}

// parseAtoms recurses over [start, end) in file, decoding one atom header
// at a time via readAtomHeader so extended 64-bit sizes and size-0
// (extends-to-EOF) atoms are handled the same way the rest of the package
// handles them.
func parseAtoms(file *os.File, start, end int64) ([]Atom, error) {
	var atoms []Atom
	offset := start

	for offset < end {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return nil, newError(CodeReadError, "%v", err)
		}
		hdr, err := readAtomHeader(file)
		if err != nil {
			return nil, err
		}
		if hdr.EOF() {
			break
		}
		if offset+hdr.Size > end {
			return nil, newError(CodeNotMovie, "atom at offset %d overruns its parent", offset)
		}

		typ := fourCC(hdr.Type)
		atom := Atom{Offset: offset, Size: hdr.Size, Type: typ}

		if containerAtoms[typ] {
			children, err := parseAtoms(file, offset+hdr.BytesConsumed, offset+hdr.Size)
			if err != nil {
				return nil, err
			}
			atom.Children = children
		}

		atoms = append(atoms, atom)
		offset += hdr.Size
	}

	return atoms, nil
}
