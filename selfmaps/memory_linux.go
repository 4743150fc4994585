// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

package selfmaps // import "github.com/traceblock/ptdecode/selfmaps"

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// vmReader reads the virtual memory of a process via process_vm_readv.
type vmReader struct {
	pid int
}

func newSelfMemory() io.ReaderAt {
	return vmReader{pid: os.Getpid()}
}

func (r vmReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &p[0], Len: uint64(len(p))}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(off), Len: len(p)}}
	n, err := unix.ProcessVMReadv(r.pid, localIov, remoteIov, 0)
	if err != nil {
		return n, fmt.Errorf("failed to read PID %v at 0x%x: %w", r.pid, off, err)
	}
	if n != len(p) {
		return n, fmt.Errorf("failed to read PID %v at 0x%x: got only %d of %d",
			r.pid, off, n, len(p))
	}
	return n, nil
}
