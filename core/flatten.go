package core

import (
	"compress/zlib"
	"fmt"
	"io"
	"os"
)

var (
	typeFTYP = fourCCOf("ftyp")
	typeMOOV = fourCCOf("moov")
	typeFREE = fourCCOf("free")
	typeSKIP = fourCCOf("skip")
	typeWIDE = fourCCOf("wide")
	typeMDAT = fourCCOf("mdat")
	typeCMOV = fourCCOf("cmov")
	typeDCOM = fourCCOf("dcom")
	typeCMVD = fourCCOf("cmvd")
	typeZLIB = fourCCOf("zlib")
	typeQT   = fourCCOf("qt  ")
)

// writeAtomHeaderBytes fills buf[:hdr.BytesConsumed] with hdr's encoded
// preamble (the standard 8-byte size+type, or the 16-byte extended-size
// form readAtomHeader decoded it from).
func writeAtomHeaderBytes(buf []byte, hdr atomHeader) {
	if hdr.BytesConsumed == 16 {
		putUint32(buf[0:4], 1)
		putUint32(buf[4:8], hdr.Type)
		putUint64(buf[8:16], uint64(hdr.Size))
		return
	}
	putUint32(buf[0:4], uint32(hdr.Size))
	putUint32(buf[4:8], hdr.Type)
}

// copyBufferSize is the bounce-buffer size used when copying the untouched
// parts of the source file to the destination.
const copyBufferSize = 10 * 1024

// Options configures a flatten operation.
type Options struct {
	// AllowCompressedMoov permits (FlattenToNewFile) or requires attempting
	// (FlattenInPlace, when the uncompressed atom won't fit) zlib
	// compression of the relocated moov atom.
	AllowCompressedMoov bool
	// Verbose enables bracket-tagged progress logging to Log (or os.Stderr
	// if Log is nil).
	Verbose bool
	Log     io.Writer
}

func (o Options) logf(format string, args ...any) {
	if !o.Verbose {
		return
	}
	w := o.Log
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, format, args...)
}

// scanState holds what a single pass over the source file's top-level
// atoms accumulates: the captured ftyp and moov payloads, the edit list
// recording what disappears, and whether an mdat was seen.
type scanState struct {
	ftyp     []byte // nil if no ftyp atom was present
	moov     []byte // the first moov atom's payload, header included
	edits    *editList
	mdatSeen bool
}

// scanTopLevel enumerates src's top-level atoms, capturing ftyp and the
// first moov into memory, and records the byte ranges that disappear
// (free/skip/wide, and the moov's old position) in an edit list.
func scanTopLevel(src *os.File, opts Options) (*scanState, error) {
	st := &scanState{edits: newEditList()}

	var offset int64
	for {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return nil, newError(CodeReadError, "%v", err)
		}
		hdr, err := readAtomHeader(src)
		if err != nil {
			return nil, err
		}
		if hdr.EOF() {
			break
		}

		switch hdr.Type {
		case typeFTYP:
			if st.ftyp != nil || offset != 0 {
				return nil, newError(CodeNotMovie, "ftyp atom must be first and appear once")
			}
			if hdr.Size < 20 {
				return nil, newError(CodeNotMovie, "ftyp atom too small (%d bytes)", hdr.Size)
			}
			buf := make([]byte, hdr.Size)
			writeAtomHeaderBytes(buf, hdr)
			if err := readExact(src, buf[hdr.BytesConsumed:]); err != nil {
				return nil, err
			}
			if !hasQTBrand(buf) {
				return nil, newError(CodeNotMovie, "ftyp does not advertise the qt brand")
			}
			st.ftyp = buf
			opts.logf("[flatten] ftyp: %d bytes\n", len(buf))

		case typeMOOV:
			st.edits.add(offset, -hdr.Size)
			if st.moov == nil {
				moov, err := readMoov(src, hdr)
				if err != nil {
					return nil, err
				}
				st.moov = moov
				opts.logf("[flatten] moov: %d bytes (at offset %d)\n", len(moov), offset)
			} else {
				opts.logf("[flatten] discarding extra moov at offset %d\n", offset)
			}

		case typeFREE, typeSKIP, typeWIDE:
			st.edits.add(offset, -hdr.Size)
			opts.logf("[flatten] dropping %s at offset %d (%d bytes)\n", fourCC(hdr.Type), offset, hdr.Size)

		case typeMDAT:
			st.mdatSeen = true
		}

		offset += hdr.Size
	}

	if !st.mdatSeen || st.moov == nil {
		return nil, newError(CodeFileTooComplex, "no mdat or no moov atom found")
	}
	return st, nil
}

// hasQTBrand reports whether ftyp's major or compatible brand set includes
// "qt  ". Checks both the major brand and the compatible-brands list,
// since real-world files carry it in either slot.
func hasQTBrand(ftyp []byte) bool {
	if getUint32(ftyp[8:12]) == typeQT {
		return true
	}
	for i := 16; i+4 <= len(ftyp); i += 4 {
		if getUint32(ftyp[i:i+4]) == typeQT {
			return true
		}
	}
	return false
}

// readMoov reads a moov atom's full body into memory (the header we already
// decoded via hdr), decompressing it first if its first child is a
// cmov/dcom=zlib/cmvd envelope.
func readMoov(src *os.File, hdr atomHeader) ([]byte, error) {
	buf := make([]byte, hdr.Size)
	writeAtomHeaderBytes(buf, hdr)
	read := hdr.BytesConsumed

	childHdr, err := readAtomHeader(src)
	if err != nil {
		return nil, err
	}
	if childHdr.Type != typeCMOV {
		// Not compressed: read the rest of the atom, including the child
		// header we just consumed, verbatim. The child's header may itself
		// use the 16-byte extended-size form; writeAtomHeaderBytes already
		// handles either width.
		writeAtomHeaderBytes(buf[read:read+childHdr.BytesConsumed], childHdr)
		read += childHdr.BytesConsumed
		if err := readExact(src, buf[read:]); err != nil {
			return nil, err
		}
		return buf, nil
	}

	// Compressed movie resource: cmov -> dcom (compression id) -> cmvd
	// (decompressed size + deflate stream).
	dcomHdr, err := readAtomHeader(src)
	if err != nil {
		return nil, err
	}
	if dcomHdr.Type != typeDCOM || dcomHdr.Size != 12 {
		return nil, newError(CodeNotMovie, "cmov's first child must be a 12-byte dcom atom")
	}
	var compressionID [4]byte
	if err := readExact(src, compressionID[:]); err != nil {
		return nil, err
	}
	if getUint32(compressionID[:]) != typeZLIB {
		return nil, newError(CodeFileTooComplex, "unsupported moov compression %q", compressionID[:])
	}

	cmvdHdr, err := readAtomHeader(src)
	if err != nil {
		return nil, err
	}
	if cmvdHdr.Type != typeCMVD || cmvdHdr.Size < 12 {
		return nil, newError(CodeNotMovie, "dcom must be followed by a cmvd atom")
	}
	var decompressedSizeBytes [4]byte
	if err := readExact(src, decompressedSizeBytes[:]); err != nil {
		return nil, err
	}
	decompressedSize := int(getUint32(decompressedSizeBytes[:]))
	if decompressedSize == 0 {
		return nil, newError(CodeNotMovie, "cmvd declares a zero decompressed size")
	}

	deflateLen := cmvdHdr.Size - 12
	deflated := make([]byte, deflateLen)
	if err := readExact(src, deflated); err != nil {
		return nil, err
	}

	plain, err := inflateZlib(deflated, decompressedSize)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// FlattenToNewFile reads src, relocates (and optionally zlib-compresses)
// its moov atom ahead of mdat, and writes the result to dst. dst must not
// already exist.
func FlattenToNewFile(srcPath, dstPath string, opts Options) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return newError(CodeReadError, "%v", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return newError(CodeWriteError, "%v", err)
	}
	defer dst.Close()

	if err := FlattenToWriter(src, dst, opts); err != nil {
		return err
	}
	opts.logf("[flatten] wrote %s\n", dstPath)
	return nil
}

// FlattenToWriter is FlattenToNewFile's core, split out so callers that
// already hold an open destination handle, such as a renameio-backed
// atomic replace, can drive it directly instead of going through a
// path-based O_EXCL open. src is scanned from absolute offset 0 whatever its
// current position; its top-level atoms must start at the beginning of the
// file.
func FlattenToWriter(src *os.File, dst io.Writer, opts Options) error {
	st, err := scanTopLevel(src, opts)
	if err != nil {
		return err
	}

	ftypSize := int64(0)
	if st.ftyp != nil {
		ftypSize = int64(len(st.ftyp))
	}

	moov := st.moov
	if opts.AllowCompressedMoov {
		moov, err = compressMoovWithFixpoint(moov, ftypSize, st.edits, opts)
		if err != nil {
			return err
		}
	} else {
		st.edits.add(ftypSize, int64(len(moov)))
		if err := applyOffsets(moov, st.edits); err != nil {
			return err
		}
	}

	if st.ftyp != nil {
		if err := writeExact(dst, st.ftyp); err != nil {
			return err
		}
	}
	if err := writeExact(dst, moov); err != nil {
		return err
	}

	return copyUntouchedAtoms(src, dst, ftypSize, opts)
}

// copyUntouchedAtoms copies every top-level atom of src from ftypSize
// onward to dst verbatim, except moov/free/skip/wide, which are dropped.
func copyUntouchedAtoms(src *os.File, dst io.Writer, from int64, opts Options) error {
	if _, err := src.Seek(from, io.SeekStart); err != nil {
		return newError(CodeReadError, "%v", err)
	}

	buf := make([]byte, copyBufferSize)
	offset := from
	for {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return newError(CodeReadError, "%v", err)
		}
		hdr, err := readAtomHeader(src)
		if err != nil {
			return err
		}
		if hdr.EOF() {
			break
		}

		switch hdr.Type {
		case typeMOOV, typeFREE, typeSKIP, typeWIDE:
			// dropped
		default:
			if err := copyAtomVerbatim(src, dst, hdr, buf); err != nil {
				return err
			}
		}
		offset += hdr.Size
	}
	return nil
}

// copyAtomVerbatim writes hdr's header bytes (reconstructed) followed by its
// remaining payload, streamed through buf in copyBufferSize chunks.
func copyAtomVerbatim(src *os.File, dst io.Writer, hdr atomHeader, buf []byte) error {
	var header [16]byte
	writeAtomHeaderBytes(header[:], hdr)
	if err := writeExact(dst, header[:hdr.BytesConsumed]); err != nil {
		return err
	}

	remaining := hdr.Size - hdr.BytesConsumed
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if err := readExact(src, buf[:n]); err != nil {
			return err
		}
		if err := writeExact(dst, buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// compressMoovWithFixpoint estimates a compressed size, applies offsets for
// that estimate, compresses, and retries with a larger estimate until the
// compressed form fits (or abandons compression entirely if it never fits
// within the uncompressed size).
func compressMoovWithFixpoint(moov []byte, ftypSize int64, edits *editList, opts Options) ([]byte, error) {
	moovSize := int64(len(moov))
	increment := roundUp16(moovSize / 16)
	est := 3 * increment

	edits.add(ftypSize, est)
	if err := applyOffsets(moov, edits); err != nil {
		return nil, err
	}

	totalOffsetChange := est
	levels := []int{zlib.DefaultCompression}

	for {
		// Compression is always attempted against the fixed, uncompressed
		// moovSize bound, never the current (smaller) estimate: est only
		// decides accept-vs-grow below. Bounding by est here would reject
		// compression ratios that fit comfortably within moovSize but not
		// yet within a still-growing early estimate.
		compressed := compressMoovAtom(moov, moovSize, levels)
		// The original only falls back to best-compression after default
		// fails to fit; mirror that rather than always trying both.
		if compressed == nil && len(levels) == 1 {
			compressed = compressMoovAtom(moov, moovSize, []int{zlib.BestCompression})
		}

		compressedLen := int64(0)
		if compressed != nil {
			compressedLen = int64(len(compressed))
		}

		accept := compressed != nil && (compressedLen == est || compressedLen < est-8)
		if accept {
			opts.logf("[flatten] compressed moov: %d -> %d bytes (budget %d)\n", moovSize, compressedLen, est)
			free := buildFreeAtom(est - compressedLen)
			if len(free) > 0 && len(free) < 8 {
				return nil, newError(CodeMemoryError, "impossible free-atom gap of %d bytes", len(free))
			}
			return append(compressed, free...), nil
		}

		if compressed == nil {
			// Doesn't fit even within the full uncompressed moovSize: give
			// up on compression and restore the offsets to reflect the
			// plain, uncompressed layout.
			opts.logf("[flatten] moov did not compress within budget; using uncompressed form\n")
			if err := applyConstantShift(moov, moovSize-totalOffsetChange); err != nil {
				return nil, err
			}
			return moov, nil
		}

		est += increment
		totalOffsetChange += increment
		if err := applyConstantShift(moov, increment); err != nil {
			return nil, err
		}
	}
}

// roundUp16 rounds n up to the next multiple of 16.
func roundUp16(n int64) int64 {
	return (n + 15) &^ 15
}
