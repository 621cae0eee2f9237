// mfttool compiles an application manifest from its JSON source into the
// binary form linked into a unikernel image, and dumps compiled manifests
// back to JSON.
//
// Usage:
//
//	mfttool gen SOURCE OUTPUT
//	mfttool dump BINARY
//
// SOURCE, OUTPUT and BINARY may be "-" for the standard streams.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cfcs/solo5/mft"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	var err error

	switch args[0] {
	case "gen":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}

		err = gen(args[1], args[2])

	case "dump":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}

		err = dump(args[1])

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "mfttool: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: mfttool COMMAND ...\n\n")
	fmt.Fprintf(os.Stderr, "COMMAND is:\n")
	fmt.Fprintf(os.Stderr, "    gen SOURCE OUTPUT:\n")
	fmt.Fprintf(os.Stderr, "        Generate a binary manifest from JSON SOURCE, writing to OUTPUT.\n")
	fmt.Fprintf(os.Stderr, "    dump BINARY:\n")
	fmt.Fprintf(os.Stderr, "        Dump the manifest from BINARY as JSON.\n")
}

func gen(srcPath, outPath string) error {
	src, err := open(srcPath)
	if err != nil {
		return err
	}

	defer src.Close()

	m, err := mft.ReadJSON(src)
	if err != nil {
		return err
	}

	raw, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	out, err := create(outPath)
	if err != nil {
		return err
	}

	if _, err := out.Write(raw); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

func dump(path string) error {
	in, err := open(path)
	if err != nil {
		return err
	}

	defer in.Close()

	raw, err := io.ReadAll(in)
	if err != nil {
		return err
	}

	var m mft.Manifest
	if err := m.UnmarshalBinary(raw); err != nil {
		return err
	}

	return m.WriteJSON(os.Stdout)
}

func open(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}

	return os.Open(path)
}

func create(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}

	return os.Create(path)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}
