// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

//go:build libipt && linux && amd64 && cgo

// Package libipt binds the native libipt block decoder to the ipt interfaces.
//
// The binding needs the libipt headers and library installed and is opt-in:
// build with -tags libipt. Without the tag every entry point reports
// ipt.ErrUnsupported.
package libipt // import "github.com/traceblock/ptdecode/libipt"

/*
#cgo LDFLAGS: -lipt

#include <stdlib.h>
#include <string.h>
#include <intel-pt.h>

// The block flags and the truncation bit are C bitfields, which cgo cannot
// access directly.
static void ptdecode_set_block_flags(struct pt_config *c, int end_on_call,
                                     int end_on_jump) {
	c->flags.variant.block.end_on_call = end_on_call ? 1 : 0;
	c->flags.variant.block.end_on_jump = end_on_jump ? 1 : 0;
}

static int ptdecode_block_truncated(const struct pt_block *b) {
	return b->truncated;
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/traceblock/ptdecode/ipt"
)

// Library implements ipt.Library on top of libipt.
type Library struct{}

var _ ipt.Library = Library{}

// ReadCPU determines the identity of the host CPU via CPUID.
func (Library) ReadCPU() (ipt.CPU, error) {
	var cpu C.struct_pt_cpu
	if C.pt_cpu_read(&cpu) != 0 {
		return ipt.CPU{}, fmt.Errorf("%w: cannot identify host cpu", ipt.ErrBadConfig)
	}
	vendor := ipt.VendorUnknown
	if cpu.vendor == C.pcv_intel {
		vendor = ipt.VendorIntel
	}
	return ipt.CPU{
		Vendor:   vendor,
		Family:   uint16(cpu.family),
		Model:    uint8(cpu.model),
		Stepping: uint8(cpu.stepping),
	}, nil
}

// NewDecoder allocates a libipt block decoder. The trace buffer is copied
// into C memory to satisfy the cgo pointer passing rules; the copy lives
// until the decoder is closed.
func (Library) NewDecoder(cfg ipt.Config) (ipt.Decoder, error) {
	var c C.struct_pt_config
	C.memset(unsafe.Pointer(&c), 0, C.sizeof_struct_pt_config)
	c.size = C.sizeof_struct_pt_config

	n := len(cfg.Trace)
	bufLen := n
	if bufLen == 0 {
		// Keep a valid, distinct allocation for an empty stream.
		bufLen = 1
	}
	buf := C.malloc(C.size_t(bufLen))
	if buf == nil {
		return nil, fmt.Errorf("%w: trace buffer copy", ipt.ErrNoMemory)
	}
	if n > 0 {
		C.memcpy(buf, unsafe.Pointer(&cfg.Trace[0]), C.size_t(n))
	}
	c.begin = (*C.uint8_t)(buf)
	c.end = (*C.uint8_t)(unsafe.Add(buf, n))

	C.ptdecode_set_block_flags(&c, boolToInt(cfg.EndOnCall), boolToInt(cfg.EndOnJump))

	if cfg.CPU.Vendor == ipt.VendorIntel {
		c.cpu.vendor = C.pcv_intel
	}
	c.cpu.family = C.uint16_t(cfg.CPU.Family)
	c.cpu.model = C.uint8_t(cfg.CPU.Model)
	c.cpu.stepping = C.uint8_t(cfg.CPU.Stepping)

	// Work around model specific trace encoding bugs.
	if cfg.CPU.Vendor != ipt.VendorUnknown {
		if st := C.pt_cpu_errata(&c.errata, &c.cpu); st < 0 {
			C.free(buf)
			return nil, fmt.Errorf("%w: errata lookup: %s", ipt.ErrBadConfig, errstr(st))
		}
	}

	dec := C.pt_blk_alloc_decoder(&c)
	if dec == nil {
		C.free(buf)
		return nil, fmt.Errorf("%w: block decoder", ipt.ErrNoMemory)
	}
	return &decoder{ptr: dec, buf: buf}, nil
}

// NewImage allocates an empty memory image.
func (Library) NewImage() (ipt.Image, error) {
	img := C.pt_image_alloc(nil)
	if img == nil {
		return nil, fmt.Errorf("%w: memory image", ipt.ErrNoMemory)
	}
	return &image{ptr: img}, nil
}

type decoder struct {
	ptr *C.struct_pt_block_decoder
	buf unsafe.Pointer
}

func (d *decoder) SyncForward() ipt.Status {
	return statusOf(C.pt_blk_sync_forward(d.ptr))
}

func (d *decoder) SetImage(img ipt.Image) error {
	ci, ok := img.(*image)
	if !ok {
		return fmt.Errorf("image %T was not allocated by libipt", img)
	}
	if st := C.pt_blk_set_image(d.ptr, ci.ptr); st < 0 {
		return fmt.Errorf("failed to set image: %s", errstr(st))
	}
	return nil
}

func (d *decoder) NextBlock() (ipt.Block, ipt.Status) {
	var blk C.struct_pt_block
	st := C.pt_blk_next(d.ptr, &blk, C.sizeof_struct_pt_block)
	return ipt.Block{
		IP:        uint64(blk.ip),
		NInsn:     uint16(blk.ninsn),
		Truncated: C.ptdecode_block_truncated(&blk) != 0,
	}, statusOf(st)
}

func (d *decoder) NextEvent() (ipt.Event, ipt.Status) {
	var ev C.struct_pt_event
	st := C.pt_blk_event(d.ptr, &ev, C.sizeof_struct_pt_event)
	return ipt.Event{Kind: ipt.EventKind(ev._type)}, statusOf(st)
}

func (d *decoder) Close() error {
	if d.ptr != nil {
		C.pt_blk_free_decoder(d.ptr)
		d.ptr = nil
	}
	if d.buf != nil {
		C.free(d.buf)
		d.buf = nil
	}
	return nil
}

type image struct {
	ptr *C.struct_pt_image
}

func (i *image) AddFile(path string, offset, size, vaddr uint64) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	st := C.pt_image_add_file(i.ptr, cpath, C.uint64_t(offset), C.uint64_t(size),
		nil, C.uint64_t(vaddr))
	if st < 0 {
		return fmt.Errorf("failed to add %s: %s", path, errstr(st))
	}
	return nil
}

func (i *image) Close() error {
	if i.ptr != nil {
		C.pt_image_free(i.ptr)
		i.ptr = nil
	}
	return nil
}

// statusOf converts a native status integer. The enumerations line up; only
// the end-of-stream code is translated explicitly in case they ever diverge.
func statusOf(st C.int) ipt.Status {
	if st == -C.int(C.pte_eos) {
		return ipt.ErrCodeEOS.Status()
	}
	return ipt.Status(st)
}

func errstr(st C.int) string {
	return C.GoString(C.pt_errstr(C.pt_errcode(st)))
}

func boolToInt(b bool) C.int {
	if b {
		return 1
	}
	return 0
}
