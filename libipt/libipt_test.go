// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

//go:build libipt && linux && amd64 && cgo

package libipt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceblock/ptdecode/ipt"
)

// A buffer of zero bytes holds no packet stream boundary, so forward
// synchronization must report end of stream rather than fail or crash.
func TestSyncForwardOnZeroBuffer(t *testing.T) {
	lib := Library{}
	cpu, err := lib.ReadCPU()
	require.NoError(t, err)

	dec, err := lib.NewDecoder(ipt.Config{
		Trace:     make([]byte, 64),
		CPU:       cpu,
		EndOnCall: true,
		EndOnJump: true,
	})
	require.NoError(t, err)
	defer dec.Close()

	status := dec.SyncForward()
	require.True(t, status.Failed())
	assert.Equal(t, ipt.ErrCodeEOS, status.ErrorCode())
}

func TestImageAddSelfExecutable(t *testing.T) {
	lib := Library{}
	img, err := lib.NewImage()
	require.NoError(t, err)
	defer img.Close()

	err = img.AddFile("/proc/self/exe", 0, 0x1000, 0x400000)
	require.NoError(t, err)
}
