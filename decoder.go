// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

// Package ptdecode reconstructs the control-flow path of the currently
// running process from a raw Intel PT trace buffer.
//
// A Decoder is bound to one trace buffer and to a snapshot of the process
// code layout taken at construction time. Repeated NextBlock calls yield the
// start address of each executed basic block until the stream is exhausted.
// The packet-level decoding is delegated to a native decoding library behind
// the ipt interfaces; this package owns the decoder lifecycle, the
// self-process memory image, and the block/event iteration protocol.
package ptdecode // import "github.com/traceblock/ptdecode"

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/traceblock/ptdecode/ipt"
	"github.com/traceblock/ptdecode/libipt"
	"github.com/traceblock/ptdecode/selfmaps"
)

// Decoder decodes the basic blocks of one raw trace buffer.
//
// A Decoder is not safe for concurrent use. Independent Decoders may be used
// from different goroutines; note however that construction snapshots
// process-wide state (the set of loaded objects) without locking against
// concurrent dynamic loading.
type Decoder struct {
	dec    ipt.Decoder
	img    ipt.Image
	status ipt.Status
}

type config struct {
	lib  ipt.Library
	proc selfmaps.Process
}

// Option customizes decoder construction.
type Option func(*config)

// WithLibrary selects the decoding library implementation. The default is
// the native libipt binding.
func WithLibrary(lib ipt.Library) Option {
	return func(c *config) { c.lib = lib }
}

// WithProcess substitutes the process introspection used to build the memory
// image. The default is the calling process.
func WithProcess(p selfmaps.Process) Option {
	return func(c *config) { c.proc = p }
}

// NewDecoder prepares retrieval of the basic blocks of the trace buffer,
// using the code of the current process for control-flow recovery.
//
// vdso receives a snapshot of the vDSO code pages: the decoding library can
// only map code from named files, and the vDSO has none. The library reads
// the file lazily, so the caller must keep it valid, untruncated and unshared
// for as long as the Decoder is alive.
//
// On failure no decoder is produced and every partially constructed resource
// has been released. A buffer that contains no decodable blocks is not a
// failure; the first NextBlock call reports end of stream.
func NewDecoder(trace []byte, vdso *os.File, opts ...Option) (*Decoder, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.lib == nil {
		cfg.lib = libipt.Library{}
	}

	// Decode for the current CPU, with blocks ending on call and jump
	// instructions. This granularity makes a block run exactly until the
	// next control-transfer instruction.
	cpu, err := cfg.lib.ReadCPU()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	dec, err := cfg.lib.NewDecoder(ipt.Config{
		Trace:     trace,
		CPU:       cpu,
		EndOnCall: true,
		EndOnJump: true,
	})
	if err != nil {
		if errors.Is(err, ipt.ErrBadConfig) {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	status := dec.SyncForward()
	if status.Failed() {
		if status.ErrorCode() == ipt.ErrCodeEOS {
			// No blocks in the stream. Not an error: the caller
			// finds out on the first NextBlock call. No memory
			// image is needed for an empty stream.
			return &Decoder{dec: dec, status: status}, nil
		}
		dec.Close()
		return nil, fmt.Errorf("%w: %s", ErrSync, status.ErrorCode())
	}

	img, err := cfg.lib.NewImage()
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}
	if cfg.proc == nil {
		cfg.proc, err = selfmaps.Self()
		if err != nil {
			img.Close()
			dec.Close()
			return nil, fmt.Errorf("%w: %w", ErrImageBuild, err)
		}
	}
	if err := buildImage(img, cfg.proc, vdso); err != nil {
		img.Close()
		dec.Close()
		return nil, fmt.Errorf("%w: %w", ErrImageBuild, err)
	}
	if err := dec.SetImage(img); err != nil {
		img.Close()
		dec.Close()
		return nil, fmt.Errorf("%w: %w", ErrAttach, err)
	}

	log.Debugf("block decoder ready, initial status %d", status)
	return &Decoder{dec: dec, img: img, status: status}, nil
}

// NextBlock returns the start address of the next basic block in the
// instruction stream.
//
// ok is false with a nil error once the end of the stream is reached; the
// terminal observation is idempotent. A non-nil error is fatal for the
// Decoder: no retry or resynchronization is attempted, the caller is
// expected to Close it. The address is undefined on error.
func (d *Decoder) NextBlock() (addr uint64, ok bool, err error) {
	status, addr, eos, err := step(d.dec, d.status)
	d.status = status
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if eos {
		return 0, false, nil
	}
	return addr, true, nil
}

// step advances the drain-then-fetch protocol by one block. It threads the
// decoder status explicitly: the status returned by one call is the input of
// the next, and the protocol is closed under that composition.
func step(dec ipt.Decoder, status ipt.Status) (ipt.Status, uint64, bool, error) {
	// Drain pending events first. They carry no address information
	// useful for block recovery and are discarded.
	for status.EventPending() {
		_, status = dec.NextEvent()
		if status.Failed() {
			return status, 0, false, fmt.Errorf("failed to fetch event: %s",
				status.ErrorCode())
		}
	}
	// End of stream surfaces as a flag after draining, but as an error
	// code from synchronization or a block fetch. All three normalize to
	// the same terminal observation.
	if status.Failed() {
		if status.ErrorCode() == ipt.ErrCodeEOS {
			return status, 0, true, nil
		}
		return status, 0, false, fmt.Errorf("decoder in error state: %s",
			status.ErrorCode())
	}
	if status.EndOfStream() {
		return status, 0, true, nil
	}
	if status != 0 {
		return status, 0, false, fmt.Errorf("unexpected decoder status %d", status)
	}

	block, status := dec.NextBlock()
	if status.Failed() {
		if status.ErrorCode() == ipt.ErrCodeEOS {
			return status, 0, true, nil
		}
		return status, 0, false, fmt.Errorf("failed to fetch block: %s",
			status.ErrorCode())
	}
	// Other informational flags can arise here, most commonly a pending
	// event. They are left for the drain phase of the next call.

	// A block straddling a section boundary would arrive truncated. The
	// self-image registers whole segments, so this indicates a decoding
	// library inconsistency rather than a condition to recover from.
	if block.Truncated {
		return status, 0, false, fmt.Errorf("truncated block at 0x%x", block.IP)
	}
	if block.NInsn == 0 {
		return status, 0, false, fmt.Errorf("empty block at 0x%x", block.IP)
	}
	return status, block.IP, false, nil
}

// Status returns the current decoder status. It is updated by every
// NextBlock call.
func (d *Decoder) Status() ipt.Status { return d.status }

// Close releases the decoder and, if one was attached, its memory image.
// Close on a nil Decoder is a no-op. Close must not be called twice.
func (d *Decoder) Close() error {
	if d == nil || d.dec == nil {
		return nil
	}
	err := d.dec.Close()
	d.dec = nil
	if d.img != nil {
		if cerr := d.img.Close(); err == nil {
			err = cerr
		}
		d.img = nil
	}
	return err
}
