// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

package ptdecode

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceblock/ptdecode/ipt"
	"github.com/traceblock/ptdecode/ipt/iptest"
	"github.com/traceblock/ptdecode/selfmaps"
)

type fakeProcess struct {
	maps []*procfs.ProcMap
	mem  io.ReaderAt
}

func (f *fakeProcess) Maps() ([]*procfs.ProcMap, error) { return f.maps, nil }
func (f *fakeProcess) Memory() io.ReaderAt              { return f.mem }

var _ selfmaps.Process = (*fakeProcess)(nil)

// textOnlyProcess returns a process with a single executable file mapping,
// enough to build an image without a vDSO snapshot file.
func textOnlyProcess() *fakeProcess {
	return &fakeProcess{maps: []*procfs.ProcMap{
		{
			StartAddr: 0x400000,
			EndAddr:   0x500000,
			Perms:     &procfs.ProcMapPermissions{Read: true, Execute: true},
			Pathname:  "/tmp/ptdecode-test-exe",
		},
	}}
}

func newTestLib(dec *iptest.Decoder) *iptest.Library {
	return &iptest.Library{
		CPU:     ipt.CPU{Vendor: ipt.VendorIntel, Family: 6, Model: 158},
		Decoder: dec,
		Image:   &iptest.Image{},
	}
}

func newTestDecoder(t *testing.T, dec *iptest.Decoder) *Decoder {
	t.Helper()
	lib := newTestLib(dec)
	d, err := NewDecoder(make([]byte, 64), nil,
		WithLibrary(lib), WithProcess(textOnlyProcess()))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNewDecoderConfiguresBlockGranularity(t *testing.T) {
	lib := newTestLib(&iptest.Decoder{})
	trace := []byte{0x02, 0x82}

	d, err := NewDecoder(trace, nil, WithLibrary(lib), WithProcess(textOnlyProcess()))
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, trace, lib.LastConfig.Trace)
	assert.Equal(t, lib.CPU, lib.LastConfig.CPU)
	assert.True(t, lib.LastConfig.EndOnCall)
	assert.True(t, lib.LastConfig.EndOnJump)
}

// An empty capture synchronizes straight to end of stream. That is not an
// initialization failure; the first NextBlock call reports it.
func TestNewDecoderEmptyStream(t *testing.T) {
	lib := newTestLib(&iptest.Decoder{SyncStatus: ipt.ErrCodeEOS.Status()})

	d, err := NewDecoder(make([]byte, 64), nil, WithLibrary(lib))
	require.NoError(t, err)
	defer d.Close()

	// No image is needed for a stream without blocks.
	assert.Empty(t, lib.Image.Files)

	for i := 0; i < 3; i++ {
		addr, ok, err := d.NextBlock()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, uint64(0), addr)
	}
}

func TestNewDecoderCPUError(t *testing.T) {
	lib := newTestLib(&iptest.Decoder{})
	lib.CPUErr = errors.New("cpuid failed")

	_, err := NewDecoder(nil, nil, WithLibrary(lib))
	require.ErrorIs(t, err, ErrConfig)
}

func TestNewDecoderErrataError(t *testing.T) {
	lib := newTestLib(&iptest.Decoder{})
	lib.DecoderErr = ipt.ErrBadConfig

	_, err := NewDecoder(nil, nil, WithLibrary(lib))
	require.ErrorIs(t, err, ErrConfig)
}

func TestNewDecoderAllocError(t *testing.T) {
	lib := newTestLib(&iptest.Decoder{})
	lib.DecoderErr = ipt.ErrNoMemory

	_, err := NewDecoder(nil, nil, WithLibrary(lib))
	require.ErrorIs(t, err, ErrAlloc)
}

func TestNewDecoderSyncError(t *testing.T) {
	dec := &iptest.Decoder{SyncStatus: ipt.ErrCodeNoSync.Status()}
	lib := newTestLib(dec)

	_, err := NewDecoder(nil, nil, WithLibrary(lib))
	require.ErrorIs(t, err, ErrSync)
	assert.True(t, dec.Closed)
}

func TestNewDecoderImageBuildError(t *testing.T) {
	dec := &iptest.Decoder{}
	lib := newTestLib(dec)
	lib.Image.AddErr = errors.New("image full")

	_, err := NewDecoder(nil, nil, WithLibrary(lib), WithProcess(textOnlyProcess()))
	require.ErrorIs(t, err, ErrImageBuild)
	assert.True(t, dec.Closed)
	assert.True(t, lib.Image.Closed)
}

func TestNewDecoderAttachError(t *testing.T) {
	dec := &iptest.Decoder{SetImageErr: errors.New("foreign image")}
	lib := newTestLib(dec)

	_, err := NewDecoder(nil, nil, WithLibrary(lib), WithProcess(textOnlyProcess()))
	require.ErrorIs(t, err, ErrAttach)
	assert.True(t, dec.Closed)
	assert.True(t, lib.Image.Closed)
}

// The returned status of each call feeds the next one: blocks are fetched
// while the decoder is ready, pending events are drained first, and the
// stream ends in an idempotent terminal state.
func TestNextBlockSequence(t *testing.T) {
	d := newTestDecoder(t, &iptest.Decoder{
		Blocks: []iptest.BlockResult{
			{Block: ipt.Block{IP: 0x401000, NInsn: 3}},
			{Block: ipt.Block{IP: 0x402000, NInsn: 7}, Status: ipt.StatusEventPending},
		},
		Events: []iptest.EventResult{
			{Event: ipt.Event{Kind: ipt.EventExecMode}},
		},
	})

	addr, ok, err := d.NextBlock()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x401000), addr)

	// The second block leaves an event pending; it is drained by the
	// following call, not this one.
	addr, ok, err = d.NextBlock()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x402000), addr)
	assert.True(t, d.Status().EventPending())

	// Drain, then observe end of stream, repeatedly.
	for i := 0; i < 3; i++ {
		addr, ok, err = d.NextBlock()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, uint64(0), addr)
	}
}

func TestNextBlockDrainsAllPendingEvents(t *testing.T) {
	d := newTestDecoder(t, &iptest.Decoder{
		SyncStatus: ipt.StatusEventPending,
		Events: []iptest.EventResult{
			{Event: ipt.Event{Kind: ipt.EventEnabled}, Status: ipt.StatusEventPending},
			{Event: ipt.Event{Kind: ipt.EventExecMode}},
		},
		Blocks: []iptest.BlockResult{
			{Block: ipt.Block{IP: 0x401000, NInsn: 1}},
		},
	})

	addr, ok, err := d.NextBlock()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x401000), addr)
}

func TestNextBlockEventError(t *testing.T) {
	d := newTestDecoder(t, &iptest.Decoder{
		SyncStatus: ipt.StatusEventPending,
		Events: []iptest.EventResult{
			{Status: ipt.ErrCodeBadPacket.Status()},
		},
	})

	_, _, err := d.NextBlock()
	require.ErrorIs(t, err, ErrDecode)
}

func TestNextBlockFetchError(t *testing.T) {
	d := newTestDecoder(t, &iptest.Decoder{
		Blocks: []iptest.BlockResult{
			{Status: ipt.ErrCodeBadOpc.Status()},
		},
	})

	_, _, err := d.NextBlock()
	require.ErrorIs(t, err, ErrDecode)
}

func TestNextBlockInconsistentBlocks(t *testing.T) {
	tests := []struct {
		name  string
		block ipt.Block
	}{
		{name: "truncated", block: ipt.Block{IP: 0x401000, NInsn: 2, Truncated: true}},
		{name: "no instructions", block: ipt.Block{IP: 0x401000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDecoder(t, &iptest.Decoder{
				Blocks: []iptest.BlockResult{{Block: tt.block}},
			})
			_, _, err := d.NextBlock()
			require.ErrorIs(t, err, ErrDecode)
		})
	}
}

// Statuses produced by one step never trip up the next one, whatever
// combination of flags the library reports.
func TestStepStatusThreading(t *testing.T) {
	dec := &iptest.Decoder{
		Blocks: []iptest.BlockResult{
			{Block: ipt.Block{IP: 0x401000, NInsn: 1},
				Status: ipt.StatusEventPending | ipt.StatusEndOfStream},
		},
		Events: []iptest.EventResult{
			{Status: ipt.StatusEndOfStream},
		},
	}

	status := ipt.Status(0)
	var addrs []uint64
	for {
		next, addr, eos, err := step(dec, status)
		require.NoError(t, err)
		status = next
		if eos {
			break
		}
		addrs = append(addrs, addr)
	}
	assert.Equal(t, []uint64{0x401000}, addrs)
}

func TestConcurrentDecoders(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			d := &Decoder{dec: &iptest.Decoder{
				Blocks: []iptest.BlockResult{
					{Block: ipt.Block{IP: base, NInsn: 1}},
					{Block: ipt.Block{IP: base + 0x10, NInsn: 1}},
				},
			}}
			defer d.Close()

			var got []uint64
			for {
				addr, ok, err := d.NextBlock()
				assert.NoError(t, err)
				if !ok {
					break
				}
				got = append(got, addr)
			}
			assert.Equal(t, []uint64{base, base + 0x10}, got)
		}(uint64(0x400000 * (i + 1)))
	}
	wg.Wait()
}

func TestCloseNilDecoder(t *testing.T) {
	var d *Decoder
	require.NoError(t, d.Close())
}

func TestCloseReleasesImage(t *testing.T) {
	dec := &iptest.Decoder{}
	lib := newTestLib(dec)

	d, err := NewDecoder(nil, nil, WithLibrary(lib), WithProcess(textOnlyProcess()))
	require.NoError(t, err)

	require.NoError(t, d.Close())
	assert.True(t, dec.Closed)
	assert.True(t, lib.Image.Closed)
}
