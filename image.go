// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

package ptdecode // import "github.com/traceblock/ptdecode"

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/traceblock/ptdecode/ipt"
	"github.com/traceblock/ptdecode/selfmaps"
)

// buildImage registers every executable segment of the process into img.
// The vDSO segment is snapshotted into vdso first, since it has no backing
// file of its own; its registered offset is 0, the start of the dump file.
//
// Either the full image is built or an error is returned; there is no
// partial success.
func buildImage(img ipt.Image, proc selfmaps.Process, vdso *os.File) error {
	segments, err := selfmaps.ExecutableSegments(proc)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		path, offset := seg.Path, seg.Offset
		if seg.IsVDSO() {
			if vdso == nil {
				return errors.New("no snapshot file provided for the vdso segment")
			}
			if err := selfmaps.DumpVDSO(proc.Memory(), seg, vdso); err != nil {
				return err
			}
			path, offset = vdso.Name(), 0
		}
		if err := img.AddFile(path, offset, seg.Size, seg.Vaddr); err != nil {
			return fmt.Errorf("failed to register %s at 0x%x: %w", path, seg.Vaddr, err)
		}
		log.Debugf("registered %s: 0x%x bytes at 0x%x (file offset 0x%x)",
			path, seg.Size, seg.Vaddr, offset)
	}
	return nil
}
