// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

// Package selfmaps enumerates the executable code segments currently mapped
// into the calling process: the main executable, every shared object, and the
// kernel-provided vDSO. The enumeration is a full scan of the present code
// layout and is used to build the memory image a trace decoder recovers
// control flow from.
package selfmaps // import "github.com/traceblock/ptdecode/selfmaps"

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
)

// VDSOPath is the pseudo-path the kernel reports for the vDSO mapping.
const VDSOPath = "[vdso]"

// Segment describes one loadable, executable segment of an object mapped
// into the process.
type Segment struct {
	// Path is the backing file, or VDSOPath for the vDSO.
	Path string
	// Offset is the segment's offset within the backing file.
	Offset uint64
	// Size is the length of the segment in bytes.
	Size uint64
	// Vaddr is the segment's virtual load address.
	Vaddr uint64
}

// IsVDSO reports whether the segment is the file-less vDSO mapping.
func (s Segment) IsVDSO() bool { return s.Path == VDSOPath }

// Process is the platform introspection seam: the live memory and memory
// mappings of a process. Tests substitute synthetic implementations.
type Process interface {
	// Maps returns the process memory mappings.
	Maps() ([]*procfs.ProcMap, error)

	// Memory reads the process virtual memory.
	Memory() io.ReaderAt
}

type self struct {
	proc procfs.Proc
	mem  io.ReaderAt
}

// Self returns a Process describing the calling process.
func Self() (Process, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("failed to open /proc/self: %w", err)
	}
	return &self{proc: proc, mem: newSelfMemory()}, nil
}

func (s *self) Maps() ([]*procfs.ProcMap, error) { return s.proc.ProcMaps() }
func (s *self) Memory() io.ReaderAt              { return s.mem }

// ExecutableSegments scans all current mappings of p and returns a descriptor
// for every executable segment backed by a loadable object. Non-executable
// mappings, anonymous memory and pseudo-mappings without a backing object
// (e.g. [vsyscall], [stack]) are skipped: feeding non-code bytes to a trace
// decoder would let it attempt to decode data.
//
// The result is an unlocked snapshot: concurrent dlopen(3) in another thread
// makes it unspecified which of the two layouts is observed.
func ExecutableSegments(p Process) ([]Segment, error) {
	maps, err := p.Maps()
	if err != nil {
		return nil, fmt.Errorf("failed to read process mappings: %w", err)
	}

	segments := make([]Segment, 0, len(maps))
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute {
			continue
		}
		path := trimPath(m.Pathname)
		if path != VDSOPath {
			if path == "" || strings.HasPrefix(path, "[") {
				// Executable but not backed by a loadable object.
				continue
			}
		}
		seg := Segment{
			Path:   path,
			Offset: uint64(m.Offset),
			Size:   uint64(m.EndAddr) - uint64(m.StartAddr),
			Vaddr:  uint64(m.StartAddr),
		}
		if !seg.IsVDSO() {
			seg.Size = clampToFile(seg)
		}
		log.Debugf("executable segment %s: vaddr 0x%x, offset 0x%x, size 0x%x",
			seg.Path, seg.Vaddr, seg.Offset, seg.Size)
		segments = append(segments, seg)
	}
	return segments, nil
}

func trimPath(path string) string {
	// The kernel appends a marker to mappings of unlinked files,
	// see path_with_deleted in linux/fs/d_path.c.
	return strings.TrimSuffix(path, " (deleted)")
}

// clampToFile limits the segment size to what the backing file actually
// holds. Executable mappings are page aligned and can extend past the file
// end; registering bytes beyond it would make the image reject the file.
func clampToFile(seg Segment) uint64 {
	fi, err := os.Stat(seg.Path)
	if err != nil {
		// Leave the size untouched; the image will report the file
		// lazily if it is truly unreadable.
		return seg.Size
	}
	fileSize := uint64(fi.Size())
	if seg.Offset >= fileSize {
		return 0
	}
	if avail := fileSize - seg.Offset; seg.Size > avail {
		return avail
	}
	return seg.Size
}

// DumpVDSO copies the live bytes of the vDSO segment into f. The vDSO has no
// on-disk file, but the decoding library resolves code by reading named files
// at offsets, so the pages are snapshotted once before decoding begins. The
// kernel never rewrites the vDSO of a running process, so the snapshot stays
// valid for the life of the image.
//
// The dump starts at the beginning of f, i.e. the segment's registered file
// offset is 0.
func DumpVDSO(mem io.ReaderAt, seg Segment, f *os.File) error {
	buf := make([]byte, seg.Size)
	if _, err := mem.ReadAt(buf, int64(seg.Vaddr)); err != nil {
		return fmt.Errorf("failed to read vdso memory at 0x%x: %w", seg.Vaddr, err)
	}
	for len(buf) > 0 {
		n, err := f.Write(buf)
		if err != nil {
			return fmt.Errorf("failed to write vdso snapshot: %w", err)
		}
		buf = buf[n:]
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync vdso snapshot: %w", err)
	}
	return nil
}
