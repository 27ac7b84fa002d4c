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
	"bytes"
	"encoding/binary"
	"fmt"
)

// X224ConnectionRequest is a parsed X.224 CR TPDU (ITU-T X.224, ISO 8073)
// as received from a connecting client.
//
// Structure:
//   - Length Indicator (1 byte): Length of header excluding LI field
//   - TPDU Code (1 byte): 0xE0 for Connection Request
//   - DST-REF (2 bytes): Destination reference (0 for CR)
//   - SRC-REF (2 bytes): Source reference (arbitrary)
//   - Class/Options (1 byte): Protocol class and options
//   - Variable Part: routing token or cookie, then RDP_NEG_REQ
type X224ConnectionRequest struct {
	SrcRef       uint16
	ClassOptions uint8

	// Cookie is the "Cookie: mstshash=..." or "Cookie: msts=..." line,
	// without the trailing CR LF, empty when the client sent none.
	Cookie string

	// NegReq is nil when the client speaks pre-5.x RDP without a
	// negotiation request; the connection then proceeds as PROTOCOL_RDP.
	NegReq *RDPNegReq
}

// RDPNegReq is an RDP Negotiation Request (MS-RDPBCGR 2.2.1.1.1).
type RDPNegReq struct {
	Flags     uint8
	Protocols uint32
}

// RESTRICTED_ADMIN_MODE_REQUIRED and friends (MS-RDPBCGR 2.2.1.1.1 flags)
const (
	RESTRICTED_ADMIN_MODE_REQUIRED = 0x01
	REDIRECTED_AUTHENTICATION_MODE = 0x02
	CORRELATION_INFO_PRESENT       = 0x08
)

// RDP_NEG_RSP flags (MS-RDPBCGR 2.2.1.2.1)
const (
	EXTENDED_CLIENT_DATA_SUPPORTED           = 0x01
	DYNVC_GFX_PROTOCOL_SUPPORTED             = 0x02
	NEGRSP_RESERVED                          = 0x04
	RESTRICTED_ADMIN_MODE_SUPPORTED          = 0x08
	REDIRECTED_AUTHENTICATION_MODE_SUPPORTED = 0x10
)

// ParseX224ConnectionRequest decodes the CR TPDU from a TPKT payload.
// The variable part is scanned for a cookie line (terminated by CR LF)
// followed by an optional 8-byte RDP_NEG_REQ.
func ParseX224ConnectionRequest(data []byte) (*X224ConnectionRequest, error) {
	s := NewStream(data)

	li, err := s.ReadUint8("X.224 CR length indicator")
	if err != nil {
		return nil, err
	}
	code, err := s.ReadUint8("X.224 CR TPDU code")
	if err != nil {
		return nil, err
	}
	if code != X224_TPDU_CONNECTION_REQUEST {
		return nil, fmt.Errorf("X.224 TPDU code 0x%02X, want CR 0x%02X: %w",
			code, X224_TPDU_CONNECTION_REQUEST, ErrUnexpectedPDU)
	}
	if int(li) < X224_CR_FIXED_SIZE-1 || int(li) > s.Len()+1 {
		return nil, fmt.Errorf("X.224 CR length indicator %d: %w", li, ErrInvalidHeader)
	}

	cr := &X224ConnectionRequest{}
	if err := s.Skip(2, "X.224 CR DST-REF"); err != nil {
		return nil, err
	}
	if cr.SrcRef, err = s.ReadUint16BE("X.224 CR SRC-REF"); err != nil {
		return nil, err
	}
	if cr.ClassOptions, err = s.ReadUint8("X.224 CR class options"); err != nil {
		return nil, err
	}

	variable, err := s.ReadBytes(int(li)-(X224_CR_FIXED_SIZE-1), "X.224 CR variable part")
	if err != nil {
		return nil, err
	}

	// Cookie / routing token line, if any, ends with CR LF.
	if idx := bytes.Index(variable, []byte("\r\n")); idx >= 0 {
		cr.Cookie = string(variable[:idx])
		variable = variable[idx+2:]
	}

	if len(variable) > 0 {
		if len(variable) < 8 {
			return nil, fmt.Errorf("RDP_NEG_REQ %d bytes, want 8: %w", len(variable), ErrTruncatedPDU)
		}
		if variable[0] != TYPE_RDP_NEG_REQ {
			return nil, fmt.Errorf("negotiation type 0x%02X, want RDP_NEG_REQ: %w", variable[0], ErrUnexpectedPDU)
		}
		if l := binary.LittleEndian.Uint16(variable[2:4]); l != 8 {
			return nil, fmt.Errorf("RDP_NEG_REQ length field %d, want 8: %w", l, ErrInvalidHeader)
		}
		cr.NegReq = &RDPNegReq{
			Flags:     variable[1],
			Protocols: binary.LittleEndian.Uint32(variable[4:8]),
		}
	}

	return cr, nil
}

// BuildX224ConnectionConfirm builds a CC TPDU (wrapped in TPKT) carrying
// an RDP_NEG_RSP for the selected protocol. srcRef echoes the client's
// SRC-REF into DST-REF as X.224 requires.
func BuildX224ConnectionConfirm(srcRef uint16, selectedProtocol uint32, flags uint8) []byte {
	buf := new(bytes.Buffer)

	// LI covers code..end of RDP_NEG_RSP: 6 fixed + 8 negotiation bytes.
	buf.WriteByte(6 + 8)
	buf.WriteByte(X224_TPDU_CONNECTION_CONFIRM)
	binary.Write(buf, binary.BigEndian, srcRef)    // DST-REF
	binary.Write(buf, binary.BigEndian, uint16(0)) // SRC-REF
	buf.WriteByte(0)                               // class 0

	buf.WriteByte(TYPE_RDP_NEG_RSP)
	buf.WriteByte(flags)
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, selectedProtocol)

	return wrapTPKT(buf.Bytes())
}

// BuildX224NegotiationFailure builds a CC TPDU carrying an RDP_NEG_FAILURE.
// The connection is closed right after this is flushed.
func BuildX224NegotiationFailure(srcRef uint16, failureCode uint32) []byte {
	buf := new(bytes.Buffer)

	buf.WriteByte(6 + 8)
	buf.WriteByte(X224_TPDU_CONNECTION_CONFIRM)
	binary.Write(buf, binary.BigEndian, srcRef)
	binary.Write(buf, binary.BigEndian, uint16(0))
	buf.WriteByte(0)

	buf.WriteByte(TYPE_RDP_NEG_FAILURE)
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, failureCode)

	return wrapTPKT(buf.Bytes())
}

// stripX224DataHeader validates and removes the 3-byte DT TPDU header
// from a slow-path frame, returning the MCS payload.
func stripX224DataHeader(data []byte) ([]byte, error) {
	if len(data) < X224_DATA_HEADER_SIZE {
		return nil, fmt.Errorf("X.224 data TPDU %d bytes: %w", len(data), ErrTruncatedPDU)
	}
	if data[1] != X224_TPDU_DATA {
		return nil, fmt.Errorf("X.224 TPDU code 0x%02X, want DT 0x%02X: %w",
			data[1], X224_TPDU_DATA, ErrUnexpectedPDU)
	}
	return data[X224_DATA_HEADER_SIZE:], nil
}

// wrapX224Data prefixes payload with the DT TPDU header and a TPKT header.
func wrapX224Data(payload []byte) []byte {
	body := make([]byte, X224_DATA_HEADER_SIZE+len(payload))
	body[0] = 2              // LI: code + EOT
	body[1] = X224_TPDU_DATA // DT
	body[2] = 0x80           // EOT: end of TSDU
	copy(body[X224_DATA_HEADER_SIZE:], payload)
	return wrapTPKT(body)
}

// protocolName returns a human-readable name for a negotiated protocol.
func protocolName(protocol uint32) string {
	switch protocol {
	case PROTOCOL_RDP:
		return "Standard RDP Security"
	case PROTOCOL_SSL:
		return "TLS/SSL Security"
	case PROTOCOL_HYBRID:
		return "CredSSP (NLA)"
	case PROTOCOL_RDSTLS:
		return "RDSTLS"
	case PROTOCOL_HYBRID_EX:
		return "CredSSP with Early User Auth"
	default:
		return fmt.Sprintf("Unknown (0x%08X)", protocol)
	}
}
