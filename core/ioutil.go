package core

import (
	"encoding/binary"
	"io"
	"os"
)

// readExact reads exactly len(buf) bytes from r. A short read is reported as
// ErrNotMovie (a truncated atom body indicates a malformed container, not an
// I/O failure); any other read error is reported as ErrReadFailed.
func readExact(r io.Reader, buf []byte) error {
	n, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return newError(CodeNotMovie, "short read: got %d of %d bytes", n, len(buf))
	}
	return newError(CodeReadError, "%v", err)
}

// writeExact writes all of buf to w, reporting any failure as ErrWriteFailed.
func writeExact(w io.Writer, buf []byte) error {
	n, err := w.Write(buf)
	if err != nil {
		return newError(CodeWriteError, "%v", err)
	}
	if n != len(buf) {
		return newError(CodeWriteError, "short write: wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

// fileSize returns f's size, reporting a stat failure as ErrReadFailed.
func fileSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, newError(CodeReadError, "%v", err)
	}
	return info.Size(), nil
}

func getUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func getUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func putUint64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }

// fourCC renders a big-endian four-character-code integer as its ASCII
// string, e.g. fourCC(0x6d6f6f76) == "moov".
func fourCC(v uint32) string {
	b := make([]byte, 4)
	putUint32(b, v)
	return string(b)
}

// fourCCOf packs a 4-byte ASCII type code (e.g. "moov") into its big-endian
// integer form.
func fourCCOf(typ string) uint32 {
	return getUint32([]byte(typ))
}
