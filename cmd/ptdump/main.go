// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

// ptdump inspects captured Intel PT trace buffers: it dumps the raw packet
// stream, or the decoded basic block start addresses when the trace was
// captured on this machine from this binary's process image.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/traceblock/ptdecode"
	"github.com/traceblock/ptdecode/ptpkt"
)

const (
	modeHelp    = "What to dump: 'packets' (raw packet stream) or 'blocks' (decoded block addresses)."
	verboseHelp = "Enable verbose logging."
)

func main() {
	fs := flag.NewFlagSet("ptdump", flag.ExitOnError)
	mode := fs.String("mode", "packets", modeHelp)
	verbose := fs.Bool("verbose", false, verboseHelp)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PTDUMP")); err != nil {
		log.Fatalf("Failed to parse arguments: %v", err)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if fs.NArg() != 1 {
		log.Fatalf("Usage: ptdump [-mode packets|blocks] <trace file>")
	}

	trace, err := readTrace(fs.Arg(0))
	if err != nil {
		log.Fatalf("Failed to read trace: %v", err)
	}
	log.Debugf("read %d trace bytes from %s", len(trace), fs.Arg(0))

	switch *mode {
	case "packets":
		err = dumpPackets(trace)
	case "blocks":
		err = dumpBlocks(trace)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatalf("Failed to dump trace: %v", err)
	}
}

// readTrace reads a raw trace buffer, transparently decompressing files
// with a .zst suffix.
func readTrace(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	return io.ReadAll(r)
}

func dumpPackets(trace []byte) error {
	parser := ptpkt.NewParser(trace)
	for {
		offset := parser.Offset()
		pkt, err := parser.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case pkt.HasTargetIP:
			fmt.Printf("%8d  %-7s ip=0x%x\n", offset, pkt.Kind, pkt.TargetIP)
		case pkt.Kind == ptpkt.KindShortTNT || pkt.Kind == ptpkt.KindLongTNT:
			fmt.Printf("%8d  %-7s %0*b\n", offset, pkt.Kind, pkt.TNTLen, pkt.TNT)
		default:
			fmt.Printf("%8d  %-7s\n", offset, pkt.Kind)
		}
	}
}

func dumpBlocks(trace []byte) error {
	vdso, err := os.CreateTemp("", "ptdump-vdso-*")
	if err != nil {
		return err
	}
	// The decoding library reads the snapshot lazily; the file must stay
	// alive until the decoder is closed.
	defer os.Remove(vdso.Name())
	defer vdso.Close()

	dec, err := ptdecode.NewDecoder(trace, vdso)
	if err != nil {
		if errors.Is(err, ptdecode.ErrConfig) {
			return fmt.Errorf("%w (build with -tags libipt on a supported host)", err)
		}
		return err
	}
	defer dec.Close()

	for {
		addr, ok, err := dec.NextBlock()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Printf("block 0x%x\n", addr)
	}
}
