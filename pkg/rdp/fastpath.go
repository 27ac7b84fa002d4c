// RDP Peer Go - Server-side RDP protocol core
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rdp

import (
	"fmt"
	"io"
)

// Inbound frame classification (MS-RDPBCGR section 3.3.5.4). The two
// low bits of the first byte distinguish a TPKT-framed slow-path PDU
// (always version 3, so the bits read 0x3) from a fast-path input PDU.

// Frame is one fully decoded inbound frame, either a slow-path TPKT
// payload (the X.224 data TPDU onward) or a raw fast-path input PDU
// including its header byte.
type Frame struct {
	FastPath bool
	Data     []byte
}

// MaxFrameSize bounds a single inbound frame. TPKT length is 16 bits,
// fast-path length is 15 bits, so anything larger is forged.
const MaxFrameSize = 0xFFFF

// ReadFrame reads exactly one frame from r, classifying it by its first
// byte. It returns io.EOF unmodified when the peer closed between
// frames, and wraps ErrTruncatedPDU when the peer closed mid-frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("frame classifier byte: %w", err)
	}

	if first[0]&0x03 == FASTPATH_INPUT_ACTION_X224 {
		return readSlowPathFrame(r, first[0])
	}
	return readFastPathFrame(r, first[0])
}

func readFastPathFrame(r io.Reader, header byte) (*Frame, error) {
	var l1 [1]byte
	if _, err := io.ReadFull(r, l1[:]); err != nil {
		return nil, fmt.Errorf("fast-path length: %w", wrapShortRead(err))
	}

	// Length is 1 byte, or 2 bytes big-endian with the top bit masked
	// off (MS-RDPBCGR 2.2.8.1.2 length1/length2).
	total := int(l1[0])
	consumed := 2
	if l1[0]&0x80 != 0 {
		var l2 [1]byte
		if _, err := io.ReadFull(r, l2[:]); err != nil {
			return nil, fmt.Errorf("fast-path length2: %w", wrapShortRead(err))
		}
		total = int(l1[0]&0x7F)<<8 | int(l2[0])
		consumed = 3
	}

	if total < consumed {
		return nil, fmt.Errorf("fast-path length %d below header size %d: %w", total, consumed, ErrInvalidHeader)
	}

	data := make([]byte, 1+total-consumed)
	data[0] = header
	if _, err := io.ReadFull(r, data[1:]); err != nil {
		return nil, fmt.Errorf("fast-path payload (%d bytes): %w", total-consumed, wrapShortRead(err))
	}

	return &Frame{FastPath: true, Data: data}, nil
}

// wrapShortRead maps an unexpected EOF mid-frame to the truncation
// sentinel so callers can treat hostile short frames uniformly.
func wrapShortRead(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncatedPDU
	}
	return err
}

// FastPathInputEvent is one decoded event from a fast-path input PDU.
type FastPathInputEvent struct {
	Code  uint8
	Flags uint8
	Data  []byte
}

// ParseFastPathInput decodes a fast-path input PDU (MS-RDPBCGR
// 2.2.8.1.2) that was read by ReadFrame. The PDU must be plaintext:
// a standard-security envelope is removed (and MAC-checked) by the
// connection before this parser runs, so a header still carrying the
// ENCRYPTED bit here is a protocol violation.
func ParseFastPathInput(data []byte) ([]FastPathInputEvent, error) {
	s := NewStream(data)

	header, err := s.ReadUint8("fpInputHeader")
	if err != nil {
		return nil, err
	}
	numEvents := int(header >> 2 & 0x0F)
	secFlags := header >> 6

	if secFlags&FASTPATH_INPUT_ENCRYPTED != 0 {
		return nil, fmt.Errorf("fast-path input still encrypted: %w", ErrSecurityViolation)
	}

	// numEvents == 0 means the count lives in a trailing byte.
	if numEvents == 0 {
		n, err := s.ReadUint8("fast-path numEvents")
		if err != nil {
			return nil, err
		}
		numEvents = int(n)
	}

	events := make([]FastPathInputEvent, 0, numEvents)
	for i := 0; i < numEvents; i++ {
		evHeader, err := s.ReadUint8("fast-path eventHeader")
		if err != nil {
			return nil, err
		}
		ev := FastPathInputEvent{
			Code:  evHeader >> 5,
			Flags: evHeader & 0x1F,
		}

		var size int
		switch ev.Code {
		case FASTPATH_INPUT_EVENT_SCANCODE:
			size = 1
		case FASTPATH_INPUT_EVENT_MOUSE, FASTPATH_INPUT_EVENT_MOUSEX:
			size = 6
		case FASTPATH_INPUT_EVENT_SYNC:
			size = 0
		case FASTPATH_INPUT_EVENT_UNICODE:
			size = 2
		default:
			return nil, fmt.Errorf("fast-path event code 0x%x: %w", ev.Code, ErrUnexpectedPDU)
		}

		if size > 0 {
			ev.Data, err = s.ReadBytes(size, "fast-path event body")
			if err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}

	return events, nil
}
