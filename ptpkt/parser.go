// Copyright The Traceblock Authors
// SPDX-License-Identifier: Apache-2.0

// Package ptpkt parses raw Intel PT packet streams.
//
// This is a packet-level view of the trace, independent of any process
// memory image: it exposes the stream structure (synchronization points,
// branch decisions, target IP updates) without reconstructing control flow.
// Packets whose target IP is compressed are resolved against the most recent
// target IP seen in the stream.
package ptpkt // import "github.com/traceblock/ptdecode/ptpkt"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type state int

const (
	// stateInit waits for the first PSB; nothing before it can be
	// decoded reliably.
	stateInit state = iota
	// statePSBPlus is inside a PSB+ status sequence.
	statePSBPlus
	// stateNormal is the regular decoding state.
	stateNormal
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case statePSBPlus:
		return "psb+"
	default:
		return "normal"
	}
}

// validKinds returns the packet kinds accepted in the state, in matching
// order. More frequent kinds come first.
func (s state) validKinds() []Kind {
	switch s {
	case stateInit:
		return []Kind{KindPSB}
	case statePSBPlus:
		return []Kind{KindCBR, KindPSBEnd}
	default:
		return []Kind{
			KindShortTNT, KindPad, KindFUP, KindTIP, KindCYC,
			KindLongTNT, KindPSB, KindMode, KindTIPPGE, KindTIPPGD,
		}
	}
}

// Parser iterates over the packets of a raw trace buffer. It is a state
// machine: a PSB starts a PSB+ sequence, PSBEND returns to normal decoding,
// and nothing is accepted before the first PSB.
type Parser struct {
	buf   []byte
	off   int
	state state

	// prevTIP is the most recent target IP; compressed target IPs borrow
	// its high-order bytes.
	prevTIP uint64
}

// NewParser returns a Parser over the raw trace bytes.
func NewParser(buf []byte) *Parser {
	return &Parser{buf: buf, state: stateInit}
}

// Next parses the next packet. It returns io.EOF once the buffer is
// exhausted, and a parse error if the bytes at the current offset do not
// form a packet valid in the current state.
func (p *Parser) Next() (Packet, error) {
	if p.off >= len(p.buf) {
		return Packet{}, io.EOF
	}
	for _, kind := range p.state.validKinds() {
		pkt, n, ok := p.tryParse(kind)
		if !ok {
			continue
		}
		p.off += n
		if pkt.HasTargetIP {
			p.prevTIP = pkt.TargetIP
		}
		p.transition(pkt.Kind)
		return pkt, nil
	}
	return Packet{}, fmt.Errorf("cannot parse packet at offset %d in state %s: % x",
		p.off, p.state, p.peek(8))
}

// Offset returns the current byte offset into the trace buffer.
func (p *Parser) Offset() int { return p.off }

func (p *Parser) transition(kind Kind) {
	switch {
	case kind == KindPSB:
		p.state = statePSBPlus
	case p.state == statePSBPlus && kind == KindPSBEnd:
		p.state = stateNormal
	}
}

func (p *Parser) peek(n int) []byte {
	rest := p.buf[p.off:]
	if len(rest) > n {
		rest = rest[:n]
	}
	return rest
}

// tryParse attempts to parse one packet of the given kind at the current
// offset, returning the packet and the number of bytes it occupies.
func (p *Parser) tryParse(kind Kind) (Packet, int, bool) {
	b := p.buf[p.off:]
	switch kind {
	case KindPSB:
		if len(b) < len(psbMagic) || !bytes.Equal(b[:len(psbMagic)], psbMagic) {
			return Packet{}, 0, false
		}
		return Packet{Kind: KindPSB}, len(psbMagic), true

	case KindCBR:
		if len(b) < 4 || b[0] != 0x02 || b[1] != 0x03 {
			return Packet{}, 0, false
		}
		return Packet{Kind: KindCBR}, 4, true

	case KindPSBEnd:
		if len(b) < 2 || b[0] != 0x02 || b[1] != 0x23 {
			return Packet{}, 0, false
		}
		return Packet{Kind: KindPSBEnd}, 2, true

	case KindPad:
		if b[0] != 0x00 {
			return Packet{}, 0, false
		}
		return Packet{Kind: KindPad}, 1, true

	case KindMode:
		if len(b) < 2 || b[0] != 0x99 {
			return Packet{}, 0, false
		}
		return Packet{Kind: KindMode}, 2, true

	case KindShortTNT:
		// LSB must be clear. A lone stop bit in the lowest position
		// is the first byte of a long TNT, and a payload without any
		// stop bit is not a TNT packet at all.
		if b[0]&1 != 0 {
			return Packet{}, 0, false
		}
		branches, n, ok := tnt(uint64(b[0] >> 1))
		if !ok || b[0]>>1 == 1 {
			return Packet{}, 0, false
		}
		return Packet{Kind: KindShortTNT, TNT: branches, TNTLen: n}, 1, true

	case KindLongTNT:
		if len(b) < 8 || b[0] != 0x02 || b[1] != 0xa3 {
			return Packet{}, 0, false
		}
		raw := binary.LittleEndian.Uint64(b[:8]) >> 16
		branches, n, ok := tnt(raw)
		if !ok {
			return Packet{}, 0, false
		}
		return Packet{Kind: KindLongTNT, TNT: branches, TNTLen: n}, 8, true

	case KindTIP:
		return p.parseIP(b, magicTIP, KindTIP)
	case KindTIPPGE:
		return p.parseIP(b, magicTIPPGE, KindTIPPGE)
	case KindTIPPGD:
		return p.parseIP(b, magicTIPPGD, KindTIPPGD)
	case KindFUP:
		return p.parseIP(b, magicFUP, KindFUP)

	case KindCYC:
		if b[0]&0x03 != 0x03 {
			return Packet{}, 0, false
		}
		n := 1
		if b[0]&0x04 != 0 {
			// Extension bytes follow while their low bit is set.
			for {
				if n >= len(b) {
					return Packet{}, 0, false
				}
				ext := b[n]
				n++
				if ext&0x01 == 0 {
					break
				}
			}
		}
		return Packet{Kind: KindCYC}, n, true
	}
	return Packet{}, 0, false
}

// parseIP parses the TIP packet family: a 5-bit opcode and a 3-bit payload
// size selector in the first byte, followed by the compressed target IP.
func (p *Parser) parseIP(b []byte, magic byte, kind Kind) (Packet, int, bool) {
	if b[0]&0x1f != magic {
		return Packet{}, 0, false
	}
	ipBytes := b[0] >> 5
	n := ipPayloadLen(ipBytes)
	if n < 0 || len(b) < 1+n {
		return Packet{}, 0, false
	}
	var payload uint64
	for i := 0; i < n; i++ {
		payload |= uint64(b[1+i]) << (8 * i)
	}
	ip, has := decompressTIP(ipBytes, payload, p.prevTIP)
	return Packet{Kind: kind, TargetIP: ip, HasTargetIP: has}, 1 + n, true
}
