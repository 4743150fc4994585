// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

package ptpkt // import "github.com/traceblock/ptdecode/ptpkt"

import "math/bits"

// Kind identifies an Intel PT packet type.
type Kind int

const (
	// KindPSB is a packet stream boundary, the synchronization point a
	// decoder can start from.
	KindPSB Kind = iota
	// KindCBR carries the core:bus ratio, emitted inside PSB+ sequences.
	KindCBR
	// KindPSBEnd terminates a PSB+ sequence.
	KindPSBEnd
	// KindPad is a padding byte.
	KindPad
	// KindMode announces an execution mode change.
	KindMode
	// KindTIPPGE enables packet generation at a target address.
	KindTIPPGE
	// KindTIPPGD disables packet generation.
	KindTIPPGD
	// KindShortTNT packs up to 6 taken/not-taken branch decisions.
	KindShortTNT
	// KindLongTNT packs up to 47 taken/not-taken branch decisions.
	KindLongTNT
	// KindTIP updates the target instruction pointer after an indirect
	// branch.
	KindTIP
	// KindFUP reports the source address of an asynchronous event.
	KindFUP
	// KindCYC carries cycle timing.
	KindCYC
)

var kindNames = map[Kind]string{
	KindPSB:      "PSB",
	KindCBR:      "CBR",
	KindPSBEnd:   "PSBEND",
	KindPad:      "PAD",
	KindMode:     "MODE",
	KindTIPPGE:   "TIP.PGE",
	KindTIPPGD:   "TIP.PGD",
	KindShortTNT: "TNT",
	KindLongTNT:  "TNT64",
	KindTIP:      "TIP",
	KindFUP:      "FUP",
	KindCYC:      "CYC",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Packet is one parsed Intel PT packet.
type Packet struct {
	Kind Kind

	// TargetIP is the reconstructed instruction pointer of TIP, TIP.PGE,
	// TIP.PGD and FUP packets. HasTargetIP is false when the address was
	// suppressed ("out of context").
	TargetIP    uint64
	HasTargetIP bool

	// TNT holds the branch decisions of TNT packets, oldest decision in
	// the lowest bit, TNTLen bits in total.
	TNT    uint64
	TNTLen int
}

// psbMagic is the full 16-byte PSB pattern.
var psbMagic = []byte{
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
}

// Opcode magics in the low 5 bits of the first byte of IP packets.
const (
	magicTIP    = 0x0d
	magicTIPPGE = 0x11
	magicTIPPGD = 0x01
	magicFUP    = 0x1d
)

// ipPayloadLen returns the number of target IP payload bytes for an IPBytes
// compression selector, or -1 for the reserved encodings.
func ipPayloadLen(ipBytes byte) int {
	switch ipBytes {
	case 0b000:
		return 0
	case 0b001:
		return 2
	case 0b010:
		return 4
	case 0b011, 0b100:
		return 6
	case 0b110:
		return 8
	default:
		return -1
	}
}

// decompressTIP reconstructs a target address from its compressed payload.
// The 001, 010 and 100 encodings reuse high-order bytes of the previously
// seen target IP; 011 sign-extends bit 47. Returns false for the suppressed
// "out of context" encoding.
func decompressTIP(ipBytes byte, payload, prevTIP uint64) (uint64, bool) {
	switch ipBytes {
	case 0b000:
		return 0, false
	case 0b001:
		return prevTIP&^uint64(0xffff) | payload, true
	case 0b010:
		return prevTIP&0xffffffff00000000 | payload, true
	case 0b011:
		if payload&(1<<47) != 0 {
			payload |= 0xffff000000000000
		}
		return payload, true
	case 0b100:
		return prevTIP&0xffff000000000000 | payload, true
	case 0b110:
		return payload, true
	}
	return 0, false
}

// tnt splits a raw TNT payload into branch bits and bit count. The highest
// set bit is the stop marker and is not a branch decision. ok is false when
// the payload holds no stop bit.
func tnt(raw uint64) (bitsOut uint64, n int, ok bool) {
	if raw == 0 {
		return 0, 0, false
	}
	stop := bits.Len64(raw) - 1
	return raw &^ (1 << stop), stop, true
}
