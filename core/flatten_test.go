package core

import (
	"math/rand"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func wrapAtom(typ string, body []byte) []byte {
	atom := make([]byte, 8+len(body))
	putUint32(atom[0:4], uint32(len(atom)))
	copy(atom[4:8], typ)
	copy(atom[8:], body)
	return atom
}

// buildQTFtyp returns a minimal 20-byte ftyp atom advertising the qt major
// brand.
func buildQTFtyp() []byte {
	ftyp := make([]byte, 20)
	putUint32(ftyp[0:4], 20)
	copy(ftyp[4:8], "ftyp")
	copy(ftyp[8:12], "qt  ")
	// 4 bytes minor version, then one compatible brand
	copy(ftyp[16:20], "qt  ")
	return ftyp
}

// buildMoovWithChunkOffset returns a full moov atom (header included) whose
// sample table descends moov -> trak -> mdia -> minf -> stbl -> stco with a
// single chunk offset entry.
func buildMoovWithChunkOffset(chunkOffset uint32) []byte {
	stco := buildStco(chunkOffset)
	stbl := wrapAtom("stbl", stco)
	minf := wrapAtom("minf", stbl)
	mdia := wrapAtom("mdia", minf)
	trak := wrapAtom("trak", mdia)
	mvhd := wrapAtom("mvhd", make([]byte, 92))
	return wrapAtom("moov", append(append([]byte{}, mvhd...), trak...))
}

func readChunkOffsetFromMoov(moov []byte) uint32 {
	// moov -> mvhd(100) -> trak -> mdia -> minf -> stbl -> stco; the stco
	// entry sits in the last 4 bytes of this construction.
	return getUint32(moov[len(moov)-4:])
}

// buildSourceFile assembles ftyp + free + moov + mdat, returning the open
// file (positioned at 0) and the original absolute offset of the sample
// data inside mdat the stco entry points to.
func buildSourceFile(t *testing.T, mdatPayloadSize int) (*os.File, int64) {
	t.Helper()

	ftyp := buildQTFtyp()
	free := wrapAtom("free", make([]byte, 8))

	mdatHeaderSize := int64(8)
	chunkOffset := int64(len(ftyp)) + int64(len(free)) // placeholder, fixed up below once moov size is known

	moov := buildMoovWithChunkOffset(0)
	chunkOffset = int64(len(ftyp)) + int64(len(free)) + int64(len(moov)) + mdatHeaderSize
	moov = buildMoovWithChunkOffset(uint32(chunkOffset))

	mdat := wrapAtom("mdat", make([]byte, mdatPayloadSize))

	f, err := os.CreateTemp("", "source.mov")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		f.Close()
		os.Remove(f.Name())
	})

	for _, chunk := range [][]byte{ftyp, free, moov, mdat} {
		if _, err := f.Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	return f, chunkOffset
}

func TestFlattenToNewFileRelocatesMoovAndRewritesOffsets(t *testing.T) {
	src, originalChunkOffset := buildSourceFile(t, 256)
	srcPath := src.Name()
	src.Close()

	dstPath := srcPath + ".flat"
	t.Cleanup(func() { os.Remove(dstPath) })

	if err := FlattenToNewFile(srcPath, dstPath, Options{}); err != nil {
		t.Fatalf("FlattenToNewFile: %v", err)
	}

	dst, err := os.Open(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	atoms, err := FastProbe(dst)
	if err != nil {
		t.Fatalf("FastProbe of flattened file: %v", err)
	}

	var types []string
	for _, a := range atoms {
		types = append(types, a.Type)
	}
	if len(types) != 3 || types[0] != "ftyp" || types[1] != "moov" || types[2] != "mdat" {
		t.Fatalf("top-level layout = %v, want [ftyp moov mdat] with no free atom", types)
	}

	moovAtom := atoms[1]
	if moovAtom.Offset != 20 {
		t.Errorf("moov offset = %d, want 20 (immediately after ftyp, free dropped)", moovAtom.Offset)
	}

	moov := make([]byte, moovAtom.Size)
	if _, err := dst.ReadAt(moov, moovAtom.Offset); err != nil {
		t.Fatal(err)
	}
	gotOffset := readChunkOffsetFromMoov(moov)

	// The free atom (16 bytes) was dropped; moov stayed the same size and
	// moved 16 bytes earlier, so every later byte (including mdat's payload)
	// shifts 16 bytes earlier too.
	wantOffset := originalChunkOffset - 16
	if int64(gotOffset) != wantOffset {
		t.Errorf("rewritten chunk offset = %d, want %d", gotOffset, wantOffset)
	}

	mdatAtom := atoms[2]
	if mdatAtom.Offset != int64(gotOffset)-8 {
		t.Errorf("mdat offset %d does not match rewritten chunk offset %d minus its header", mdatAtom.Offset, gotOffset)
	}
}

type atomSummary struct {
	Type   string
	Offset int64
}

func summarize(atoms []Atom) []atomSummary {
	out := make([]atomSummary, len(atoms))
	for i, a := range atoms {
		out[i] = atomSummary{Type: a.Type, Offset: a.Offset}
	}
	return out
}

func TestFlattenToNewFileTopLevelLayoutMatchesExpectedSummary(t *testing.T) {
	src, _ := buildSourceFile(t, 100)
	srcPath := src.Name()
	moovSize := func() int64 {
		atoms, err := FastProbe(src)
		if err != nil {
			t.Fatal(err)
		}
		for _, a := range atoms {
			if a.Type == "moov" {
				return a.Size
			}
		}
		t.Fatal("no moov in source")
		return 0
	}()
	src.Close()

	dstPath := srcPath + ".flat"
	t.Cleanup(func() { os.Remove(dstPath) })
	if err := FlattenToNewFile(srcPath, dstPath, Options{}); err != nil {
		t.Fatalf("FlattenToNewFile: %v", err)
	}

	dst, err := os.Open(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	atoms, err := FastProbe(dst)
	if err != nil {
		t.Fatalf("FastProbe: %v", err)
	}

	want := []atomSummary{
		{Type: "ftyp", Offset: 0},
		{Type: "moov", Offset: 20},
		{Type: "mdat", Offset: 20 + moovSize},
	}
	if diff := cmp.Diff(want, summarize(atoms)); diff != "" {
		t.Errorf("top-level layout mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenToNewFileRefusesExistingDestination(t *testing.T) {
	src, _ := buildSourceFile(t, 16)
	srcPath := src.Name()
	src.Close()

	dstPath := srcPath + ".flat"
	if err := os.WriteFile(dstPath, []byte("already here"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(dstPath) })

	err := FlattenToNewFile(srcPath, dstPath, Options{})
	if err == nil {
		t.Fatal("expected an error when dst already exists")
	}
}

func TestFlattenRejectsMissingMoov(t *testing.T) {
	ftyp := buildQTFtyp()
	mdat := wrapAtom("mdat", make([]byte, 16))

	f, err := os.CreateTemp("", "nomoov.mov")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { f.Close(); os.Remove(f.Name()) }()
	f.Write(ftyp)
	f.Write(mdat)
	f.Seek(0, 0)

	srcPath := f.Name()
	f.Close()
	dstPath := srcPath + ".flat"
	t.Cleanup(func() { os.Remove(dstPath) })

	err = FlattenToNewFile(srcPath, dstPath, Options{})
	if CodeOf(err) != CodeFileTooComplex {
		t.Errorf("CodeOf(err) = %v, want CodeFileTooComplex when no moov is present", CodeOf(err))
	}
}

func TestFlattenRejectsMissingMdat(t *testing.T) {
	ftyp := buildQTFtyp()
	moov := buildMoovWithChunkOffset(100)

	f, err := os.CreateTemp("", "nomdat.mov")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { f.Close(); os.Remove(f.Name()) }()
	f.Write(ftyp)
	f.Write(moov)
	f.Seek(0, 0)

	srcPath := f.Name()
	f.Close()
	dstPath := srcPath + ".flat"
	t.Cleanup(func() { os.Remove(dstPath) })

	err = FlattenToNewFile(srcPath, dstPath, Options{})
	if CodeOf(err) != CodeFileTooComplex {
		t.Errorf("CodeOf(err) = %v, want CodeFileTooComplex when no mdat is present", CodeOf(err))
	}
}

func TestFlattenRejectsNonQTBrand(t *testing.T) {
	ftyp := make([]byte, 20)
	putUint32(ftyp[0:4], 20)
	copy(ftyp[4:8], "ftyp")
	copy(ftyp[8:12], "isom") // no qt brand anywhere
	copy(ftyp[16:20], "mp41")

	moov := buildMoovWithChunkOffset(100)
	mdat := wrapAtom("mdat", make([]byte, 16))

	f, err := os.CreateTemp("", "notqt.mov")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { f.Close(); os.Remove(f.Name()) }()
	f.Write(ftyp)
	f.Write(moov)
	f.Write(mdat)
	f.Seek(0, 0)

	srcPath := f.Name()
	f.Close()
	dstPath := srcPath + ".flat"
	t.Cleanup(func() { os.Remove(dstPath) })

	err = FlattenToNewFile(srcPath, dstPath, Options{})
	if CodeOf(err) != CodeNotMovie {
		t.Errorf("CodeOf(err) = %v, want CodeNotMovie when ftyp lacks the qt brand", CodeOf(err))
	}
}

func TestFlattenWithCompressionFitsSmallHighlyCompressibleMoov(t *testing.T) {
	// A moov built mostly of zero padding compresses far smaller than its
	// plain form, so the fixpoint loop should converge on the first
	// estimate without ever needing to fall back to the uncompressed path.
	stco := buildStco(1000)
	big := wrapAtom("free", make([]byte, 4096)) // padding-like filler, mimics a bloated udta
	stbl := wrapAtom("stbl", append(append([]byte{}, stco...), big...))
	minf := wrapAtom("minf", stbl)
	mdia := wrapAtom("mdia", minf)
	trak := wrapAtom("trak", mdia)
	mvhd := wrapAtom("mvhd", make([]byte, 92))
	moov := wrapAtom("moov", append(append([]byte{}, mvhd...), trak...))

	ftyp := buildQTFtyp()
	mdat := wrapAtom("mdat", make([]byte, 64))

	f, err := os.CreateTemp("", "compressible.mov")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { f.Close(); os.Remove(f.Name()) }()
	f.Write(ftyp)
	f.Write(moov)
	f.Write(mdat)
	f.Seek(0, 0)

	srcPath := f.Name()
	f.Close()
	dstPath := srcPath + ".flat"
	t.Cleanup(func() { os.Remove(dstPath) })

	if err := FlattenToNewFile(srcPath, dstPath, Options{AllowCompressedMoov: true}); err != nil {
		t.Fatalf("FlattenToNewFile with compression: %v", err)
	}

	dst, err := os.Open(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	atoms, err := FastProbe(dst)
	if err != nil {
		t.Fatalf("FastProbe of compressed-flattened file: %v", err)
	}
	if len(atoms) < 2 || atoms[0].Type != "ftyp" {
		t.Fatalf("unexpected top-level layout: %v", atoms)
	}
	// The second atom is either the compressed moov envelope or, if the
	// fixpoint loop fell back, the plain moov, followed by mdat somewhere
	// after it.
	foundMdat := false
	for i := 1; i < len(atoms); i++ {
		if atoms[i].Type == "mdat" {
			foundMdat = true
		}
		if atoms[i].Type == "free" && i == len(atoms)-1 {
			t.Error("trailing free atom should only appear between moov and mdat, not as the last atom")
		}
	}
	if !foundMdat {
		t.Error("expected an mdat atom in the compressed output")
	}
}

func TestFlattenWithCompressionAcceptsModerateCompressionRatio(t *testing.T) {
	// A moov built from moderate-entropy data (each byte drawn from a
	// 16-value alphabet, the way real sample-table fields cluster around a
	// narrow range) compresses at roughly 40-60%, nowhere near the ~19% of
	// moovSize the fixpoint's initial estimate starts at. This must still
	// be accepted, not treated as "never fits".
	rng := rand.New(rand.NewSource(1))
	filler := make([]byte, 16384)
	for i := range filler {
		filler[i] = byte(rng.Intn(16))
	}
	stco := buildStco(1000)
	udta := wrapAtom("free", filler)
	stbl := wrapAtom("stbl", append(append([]byte{}, stco...), udta...))
	minf := wrapAtom("minf", stbl)
	mdia := wrapAtom("mdia", minf)
	trak := wrapAtom("trak", mdia)
	mvhd := wrapAtom("mvhd", make([]byte, 92))
	moov := wrapAtom("moov", append(append([]byte{}, mvhd...), trak...))

	ftyp := buildQTFtyp()
	mdat := wrapAtom("mdat", make([]byte, 64))

	f, err := os.CreateTemp("", "moderate.mov")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { f.Close(); os.Remove(f.Name()) }()
	f.Write(ftyp)
	f.Write(moov)
	f.Write(mdat)
	f.Seek(0, 0)

	srcPath := f.Name()
	f.Close()
	dstPath := srcPath + ".flat"
	t.Cleanup(func() { os.Remove(dstPath) })

	if err := FlattenToNewFile(srcPath, dstPath, Options{AllowCompressedMoov: true}); err != nil {
		t.Fatalf("FlattenToNewFile with compression: %v", err)
	}

	dst, err := os.Open(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	atoms, err := FastProbe(dst)
	if err != nil {
		t.Fatalf("FastProbe of compressed-flattened file: %v", err)
	}
	if len(atoms) < 2 || atoms[0].Type != "ftyp" || atoms[1].Type != "moov" {
		t.Fatalf("unexpected top-level layout: %v", atoms)
	}
	// A plain (uncompressed) relocated moov directly contains mvhd/trak; a
	// compressed one wraps everything in a single cmov child instead.
	isCompressed := len(atoms[1].Children) == 1 && atoms[1].Children[0].Type == "cmov"
	if !isCompressed {
		t.Errorf("expected a moderately compressible moov (ratio well under 100%%, above the ~19%% initial estimate) to be accepted as compressed, got children %v instead", atoms[1].Children)
	}
	if atoms[1].Size >= int64(len(moov)) {
		t.Errorf("compressed size %d did not shrink relative to the plain moov size %d", atoms[1].Size, len(moov))
	}
}
