package main

import (
	"fmt"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"qtflatten/core"
)

// printTree prints a probed atom tree with nested indentation.
func printTree(atoms []core.Atom, indent string) {
	for _, atom := range atoms {
		fmt.Printf("%s[%s] @ %d (Size: %d)\n", indent, atom.Type, atom.Offset, atom.Size)
		if len(atom.Children) > 0 {
			printTree(atom.Children, indent+"  ")
		}
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "probe":
		err = runProbe(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	default:
		err = runFlatten(os.Args[1:])
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "qtflatten: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func usage() {
	fmt.Println("Usage: qtflatten [-c] INPUT [OUTPUT]")
	fmt.Println("       qtflatten probe INPUT")
	fmt.Println("       qtflatten inspect INPUT")
}

// exitCodeFor maps a core.Error's code to a process exit status. Any other
// error (I/O errors outside the core, usage errors) exits 1.
func exitCodeFor(err error) int {
	if ce, ok := err.(*core.Error); ok {
		return int(ce.Code)
	}
	return 1
}

// runProbe implements the kept "probe" diagnostic: print the full atom
// tree.
func runProbe(args []string) error {
	if len(args) < 1 {
		return xerrors.New("usage: qtflatten probe INPUT")
	}
	file, err := os.Open(args[0])
	if err != nil {
		return xerrors.Errorf("opening %s: %w", args[0], err)
	}
	defer file.Close()

	atoms, err := core.FastProbe(file)
	if err != nil {
		return xerrors.Errorf("probing %s: %w", args[0], err)
	}
	printTree(atoms, "")
	return nil
}

// runInspect implements the kept "inspect" diagnostic: report each track's
// chunk-offset table.
func runInspect(args []string) error {
	if len(args) < 1 {
		return xerrors.New("usage: qtflatten inspect INPUT")
	}
	file, err := os.Open(args[0])
	if err != nil {
		return xerrors.Errorf("opening %s: %w", args[0], err)
	}
	defer file.Close()

	atoms, err := core.FastProbe(file)
	if err != nil {
		return xerrors.Errorf("probing %s: %w", args[0], err)
	}

	tables, err := core.InspectChunkOffsets(file, atoms)
	if err != nil {
		return xerrors.Errorf("inspecting %s: %w", args[0], err)
	}
	for _, t := range tables {
		fmt.Printf("track %d: %s, %d entries, offsets [%d, %d]\n",
			t.TrackIndex, t.Type, t.EntryCount, t.MinOffset, t.MaxOffset)
	}
	return nil
}

// runFlatten implements the qtflatten [-c] INPUT [OUTPUT] contract.
func runFlatten(args []string) error {
	opts := core.Options{Verbose: os.Getenv("QTFLATTEN_VERBOSE") != ""}

	var positional []string
	for _, a := range args {
		if a == "-c" {
			opts.AllowCompressedMoov = true
			continue
		}
		positional = append(positional, a)
	}
	if len(positional) < 1 || len(positional) > 2 {
		usage()
		return xerrors.New("expected INPUT [OUTPUT]")
	}

	input := positional[0]
	output := input
	if len(positional) == 2 {
		output = positional[1]
	}

	if output == input {
		return flattenInPlaceOrFallback(input, opts)
	}
	return flattenToDistinctOutput(input, output, opts)
}

// flattenInPlaceOrFallback is the OUTPUT-absent-or-equal-to-INPUT branch:
// try in place first, and on NO_FREE_SPACE fall back to a full rewrite
// atomically replacing the original.
func flattenInPlaceOrFallback(input string, opts core.Options) error {
	err := core.FlattenInPlace(input, opts)
	if err == nil {
		return nil
	}
	if core.CodeOf(err) != core.CodeNoFreeSpace {
		return err
	}
	return atomicFlatten(input, input, opts)
}

// flattenToDistinctOutput is the OUTPUT-present-and-distinct branch: detect
// a pre-existing OUTPUT with an exclusive create, then write atomically.
func flattenToDistinctOutput(input, output string, opts core.Options) error {
	probe, err := os.OpenFile(output, os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return xerrors.Errorf("output %s already exists: %w", output, err)
	}
	probe.Close()
	os.Remove(output)

	return atomicFlatten(input, output, opts)
}

// atomicFlatten streams a full rewrite of input into a renameio temp file
// next to output, only replacing output once the rewrite has fully
// succeeded. A crash or error mid-write never leaves a half-written OUTPUT
// in place.
func atomicFlatten(input, output string, opts core.Options) error {
	src, err := os.Open(input)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", input, err)
	}
	defer src.Close()

	pf, err := renameio.TempFile("", output)
	if err != nil {
		return xerrors.Errorf("creating temp file for %s: %w", output, err)
	}
	defer pf.Cleanup()

	if err := core.FlattenToWriter(src, pf, opts); err != nil {
		return err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("replacing %s: %w", output, err)
	}
	return nil
}
