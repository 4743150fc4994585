// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package selfmaps // import "github.com/traceblock/ptdecode/selfmaps"

import (
	"errors"
	"io"
)

type unsupportedMemory struct{}

func newSelfMemory() io.ReaderAt {
	return unsupportedMemory{}
}

func (unsupportedMemory) ReadAt([]byte, int64) (int, error) {
	return 0, errors.New("self memory access not supported on this platform")
}
