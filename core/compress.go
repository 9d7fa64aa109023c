package core

import (
	"bytes"
	"compress/zlib"
	"io"
)

// envelopeOverhead is the fixed size of the compressed-movie envelope
// (moov/cmov/dcom/cmvd headers) that precedes the deflate stream.
const envelopeOverhead = 40

// atomBuilder accumulates big-endian atom fields into a growable buffer.
type atomBuilder struct {
	buf []byte
}

func (b *atomBuilder) writeUint32(v uint32) {
	var tmp [4]byte
	putUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *atomBuilder) writeTag(tag string) {
	b.buf = append(b.buf, tag...)
}

func (b *atomBuilder) writeBytes(p []byte) {
	b.buf = append(b.buf, p...)
}

func (b *atomBuilder) bytes() []byte { return b.buf }

// deflateZlib compresses src at the given zlib level, returning nil if the
// writer itself errors (it shouldn't, writing to a bytes.Buffer, but this
// keeps the call site simple).
func deflateZlib(src []byte, level int) []byte {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil
	}
	if _, err := w.Write(src); err != nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}

// buildCompressedMoovEnvelope wraps a zlib-deflated moov payload in the
// moov/cmov/dcom/cmvd envelope QuickTime expects for a compressed movie
// resource. decompressedSize is the length of the plain moov atom (header
// included) the deflate stream expands back to.
func buildCompressedMoovEnvelope(deflated []byte, decompressedSize int) []byte {
	var b atomBuilder
	dl := uint32(len(deflated))

	b.writeUint32(envelopeOverhead + dl) // outer moov size
	b.writeTag("moov")
	b.writeUint32(32 + dl) // cmov size
	b.writeTag("cmov")
	b.writeUint32(12) // dcom size
	b.writeTag("dcom")
	b.writeTag("zlib")
	b.writeUint32(12 + dl) // cmvd size
	b.writeTag("cmvd")
	b.writeUint32(uint32(decompressedSize))
	b.writeBytes(deflated)

	return b.bytes()
}

// buildFreeAtom returns a free atom of exactly size bytes (header included);
// its payload is zero-filled, since a free atom's contents carry no
// meaning. size must be 0 (omit entirely) or >= 8.
func buildFreeAtom(size int64) []byte {
	if size == 0 {
		return nil
	}
	atom := make([]byte, size)
	putUint32(atom[0:4], uint32(size))
	copy(atom[4:8], "free")
	return atom
}

// inflateZlib decompresses src, requiring the result be exactly wantSize
// bytes; any deviation is treated as a malformed container rather than an
// I/O error.
func inflateZlib(src []byte, wantSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, newError(CodeNotMovie, "cmvd stream is not valid zlib: %v", err)
	}
	defer r.Close()

	out := make([]byte, wantSize)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, newError(CodeNotMovie, "zlib decompression failed: %v", err)
	}
	if n != wantSize {
		return nil, newError(CodeNotMovie, "decompressed %d bytes, expected %d", n, wantSize)
	}
	// Confirm there's nothing left beyond the declared length.
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m > 0 {
		return nil, newError(CodeNotMovie, "decompressed data exceeds declared length %d", wantSize)
	}
	return out, nil
}

// compressMoovAtom attempts to deflate moov at each level in levels, in
// order, wrap it in the envelope, and returns the first result that fits
// within maxTotalSize bytes (envelope + deflate stream). Returns nil if none
// fit or every attempt errored.
func compressMoovAtom(moov []byte, maxTotalSize int64, levels []int) []byte {
	maxDeflate := maxTotalSize - envelopeOverhead
	if maxDeflate <= 0 {
		return nil
	}
	for _, level := range levels {
		deflated := deflateZlib(moov, level)
		if deflated == nil {
			continue
		}
		if int64(len(deflated)) > maxDeflate {
			continue
		}
		return buildCompressedMoovEnvelope(deflated, len(moov))
	}
	return nil
}
