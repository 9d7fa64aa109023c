package core

import (
	"compress/zlib"
	"io"
	"os"
)

// FlattenInPlace relocates src's moov atom into a free atom that already
// precedes it in the file, without moving mdat or any other atom's bytes.
// It fails with ErrNoFreeSpace if no such free atom exists or it isn't big
// enough, even after an optional compression attempt.
func FlattenInPlace(path string, opts Options) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return newError(CodeReadError, "%v", err)
	}
	defer f.Close()

	total, err := fileSize(f)
	if err != nil {
		return err
	}

	var (
		freeStart, freeSize int64
		moovStart, moovSize int64
		offset              int64
	)
	for moovSize == 0 || freeSize == 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return newError(CodeReadError, "%v", err)
		}
		hdr, err := readAtomHeader(f)
		if err != nil {
			return err
		}
		if hdr.EOF() {
			break
		}

		switch {
		case hdr.Type == typeFREE && freeSize == 0:
			freeStart, freeSize = offset, hdr.Size
		case hdr.Type == typeWIDE && offset == freeStart+freeSize:
			freeSize += hdr.Size
		case hdr.Type == typeMOOV:
			moovStart, moovSize = offset, hdr.Size
		}
		offset += hdr.Size
	}

	if !(freeStart < moovStart && freeSize > 8 && moovSize > 8) {
		return ErrNoFreeSpace
	}

	moovWasAtEnd := moovStart+moovSize == total

	moov := make([]byte, moovSize)
	if _, err := f.Seek(moovStart, io.SeekStart); err != nil {
		return newError(CodeReadError, "%v", err)
	}
	if err := readExact(f, moov); err != nil {
		return err
	}

	// Compression is only worth attempting when the free gap is too small
	// for the plain moov (plus room for a trailing free atom), is not an
	// exact fit already, and is large enough to hold the envelope at all.
	if opts.AllowCompressedMoov && freeSize < moovSize+8 && freeSize != moovSize && freeSize > envelopeOverhead {
		levels := []int{zlib.BestSpeed, zlib.DefaultCompression, zlib.BestCompression}
		if compressed := compressMoovAtom(moov, freeSize, levels); compressed != nil {
			moov = compressed
			moovSize = int64(len(moov))
			opts.logf("[flatten-inplace] compressed moov in place: %d bytes (budget %d)\n", moovSize, freeSize)
		}
	}

	if !(freeSize >= moovSize+8 || freeSize == moovSize) {
		return ErrNoFreeSpace
	}

	if _, err := f.Seek(freeStart, io.SeekStart); err != nil {
		return newError(CodeReadError, "%v", err)
	}
	if err := writeExact(f, moov); err != nil {
		return err
	}
	if moovSize < freeSize {
		if err := writeExact(f, buildFreeAtom(freeSize-moovSize)); err != nil {
			return err
		}
	}

	if moovWasAtEnd {
		if err := f.Truncate(moovStart); err != nil {
			return newError(CodeWriteError, "%v", err)
		}
	} else {
		if _, err := f.Seek(moovStart+4, io.SeekStart); err != nil {
			return newError(CodeReadError, "%v", err)
		}
		if err := writeExact(f, []byte("free")); err != nil {
			return err
		}
	}

	opts.logf("[flatten-inplace] flattened %s in place\n", path)
	return nil
}
