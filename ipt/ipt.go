// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipt defines the boundary to the native Intel PT decoding library.
//
// The decoding library reports the outcome of every operation through a single
// signed status integer: negative values are errors (with a distinguished
// end-of-stream code), zero means the decoder is ready, and positive values
// are bit flags carrying informational conditions. This package models that
// enumeration and the handful of interfaces the decoding front-end consumes:
// decoder allocation, forward synchronization, memory-image management, and
// block/event retrieval.
package ipt // import "github.com/traceblock/ptdecode/ipt"

import "errors"

var (
	// ErrUnsupported is returned by library implementations that are not
	// available on the current platform or build configuration.
	ErrUnsupported = errors.New("intel-pt decoding library not available")

	// ErrBadConfig indicates that a decoder could not be created because the
	// configuration was rejected, e.g. the CPU errata lookup failed.
	ErrBadConfig = errors.New("invalid decoder configuration")

	// ErrNoMemory indicates that the library failed to allocate a decoder
	// or image object.
	ErrNoMemory = errors.New("decoder allocation failed")
)

// Status is the signed status integer of the decoding library.
//
// A negative Status encodes an ErrorCode (negated). Zero means ready.
// Positive values are a combination of the Status* bit flags.
type Status int

const (
	// StatusEndOfStream signals that there is no more trace data.
	StatusEndOfStream Status = 1 << iota

	// StatusEventPending signals that an event is pending and must be
	// fetched before the decoder yields further blocks.
	StatusEventPending
)

// Failed reports whether the status is an error.
func (s Status) Failed() bool { return s < 0 }

// EndOfStream reports whether the end-of-stream flag is set.
func (s Status) EndOfStream() bool { return s > 0 && s&StatusEndOfStream != 0 }

// EventPending reports whether the event-pending flag is set.
func (s Status) EventPending() bool { return s > 0 && s&StatusEventPending != 0 }

// ErrorCode returns the error code encoded in a negative status, or
// ErrCodeOK for non-negative statuses.
func (s Status) ErrorCode() ErrorCode {
	if s >= 0 {
		return ErrCodeOK
	}
	return ErrorCode(-s)
}

// ErrorCode enumerates the error conditions of the decoding library. The
// values mirror the library's own error enumeration; a Status encodes the
// negated code.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInternal
	ErrCodeInvalid
	ErrCodeNoSync
	ErrCodeBadOpc
	ErrCodeBadPacket
	ErrCodeBadContext
	// ErrCodeEOS is the distinguished end-of-stream code. Block fetches
	// report stream exhaustion through this code rather than through the
	// StatusEndOfStream flag.
	ErrCodeEOS
	ErrCodeBadQuery
	ErrCodeNoTime
	ErrCodeNoCBR
	ErrCodeBadImage
	ErrCodeBadLock
	ErrCodeNotSupported
	ErrCodeRetstackEmpty
	ErrCodeBadRetcomp
	ErrCodeBadStatusUpdate
	ErrCodeNoEnable
	ErrCodeEventIgnored
	ErrCodeOverflow
	ErrCodeBadFile
	ErrCodeBadCPU
)

// Status returns the Status value encoding the error code.
func (c ErrorCode) Status() Status { return Status(-c) }

var errCodeNames = map[ErrorCode]string{
	ErrCodeOK:              "OK",
	ErrCodeInternal:        "internal decoder error",
	ErrCodeInvalid:         "invalid argument",
	ErrCodeNoSync:          "decoder out of sync",
	ErrCodeBadOpc:          "unknown opcode",
	ErrCodeBadPacket:       "unknown packet",
	ErrCodeBadContext:      "unexpected packet context",
	ErrCodeEOS:             "reached end of trace stream",
	ErrCodeBadQuery:        "trace stream does not match query",
	ErrCodeNoTime:          "no timing information",
	ErrCodeNoCBR:           "no core:bus ratio",
	ErrCodeBadImage:        "bad traced image",
	ErrCodeBadLock:         "locking error",
	ErrCodeNotSupported:    "unsupported feature",
	ErrCodeRetstackEmpty:   "compressed return without call",
	ErrCodeBadRetcomp:      "bad compressed return",
	ErrCodeBadStatusUpdate: "bad status update",
	ErrCodeNoEnable:        "expected tracing enabled event",
	ErrCodeEventIgnored:    "event ignored",
	ErrCodeOverflow:        "overflow",
	ErrCodeBadFile:         "bad file",
	ErrCodeBadCPU:          "unknown cpu",
}

func (c ErrorCode) String() string {
	if s, ok := errCodeNames[c]; ok {
		return s
	}
	return "unknown error"
}

// Vendor identifies the CPU vendor of a trace stream.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
)

// CPU identifies the processor that produced a trace stream. The identity
// selects vendor-specific errata workarounds during decoder configuration.
type CPU struct {
	Vendor   Vendor
	Family   uint16
	Model    uint8
	Stepping uint8
}

// Config describes how to set up a block decoder for a raw trace buffer.
type Config struct {
	// Trace is the raw trace packet stream. Implementations must not
	// retain the slice beyond decoder construction unless they copy it.
	Trace []byte

	// CPU is the identity of the processor that produced the trace.
	// Errata workarounds are applied if the vendor is known.
	CPU CPU

	// EndOnCall ends blocks on call instructions.
	EndOnCall bool
	// EndOnJump ends blocks on jump instructions.
	EndOnJump bool
}

// Block describes one decoded basic block: a control-flow-contiguous run of
// instructions ending at the next control-transfer instruction.
type Block struct {
	// IP is the virtual address of the first instruction of the block.
	IP uint64
	// NInsn is the number of instructions in the block.
	NInsn uint16
	// Truncated indicates the block straddles a section boundary and
	// could not be fully represented.
	Truncated bool
}

// EventKind enumerates the asynchronous events a trace stream can carry.
// The values mirror the decoding library's event type enumeration.
type EventKind int

const (
	EventEnabled EventKind = iota
	EventDisabled
	EventAsyncDisabled
	EventAsyncBranch
	EventPaging
	EventAsyncPaging
	EventOverflow
	EventExecMode
	EventTSX
	EventStop
	EventVMCS
	EventAsyncVMCS
	EventExstop
	EventMwait
	EventPwre
	EventPwrx
	EventPtwrite
	EventTick
	EventCBR
	EventMnt
)

// Event is an asynchronous condition in the packet stream. Events must be
// drained before the decoder yields further blocks; the front-end discards
// them, so only the kind is surfaced.
type Event struct {
	Kind EventKind
}

// Library is the entry point to a decoding library implementation.
type Library interface {
	// ReadCPU determines the identity of the host CPU.
	ReadCPU() (CPU, error)

	// NewDecoder allocates a block decoder for the given configuration,
	// applying errata workarounds for the configured CPU. Errors match
	// ErrBadConfig or ErrNoMemory via errors.Is.
	NewDecoder(Config) (Decoder, error)

	// NewImage allocates an empty memory image.
	NewImage() (Image, error)
}

// Decoder is a block decoder bound to one trace buffer. A Decoder is not
// safe for concurrent use.
type Decoder interface {
	// SyncForward synchronizes the decoder onto the next packet stream
	// boundary in forward direction.
	SyncForward() Status

	// SetImage attaches a memory image for control-flow reconstruction.
	// The image must come from the same Library.
	SetImage(Image) error

	// NextBlock decodes the next block. End of stream is reported as the
	// ErrCodeEOS error status.
	NextBlock() (Block, Status)

	// NextEvent fetches the next pending event.
	NextEvent() (Event, Status)

	// Close frees the decoder. It does not free an attached image.
	Close() error
}

// Image maps virtual address ranges to code bytes read from named files.
type Image interface {
	// AddFile registers size bytes of the file at path, starting at
	// offset, as the code occupying [vaddr, vaddr+size). The file may be
	// read lazily; it must stay valid while the image is in use.
	AddFile(path string, offset, size, vaddr uint64) error

	// Close frees the image. Must not be called while a decoder still
	// uses the image.
	Close() error
}
