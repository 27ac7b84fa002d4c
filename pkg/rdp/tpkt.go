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
	"encoding/binary"
	"fmt"
	"io"
)

// TPKT framing (RFC 1006): every slow-path PDU rides in a 4-byte
// header of version, reserved, and total length in network byte order.
// The version byte doubling as the fast-path discriminator is what
// makes the single-byte classification in ReadFrame possible.

// wrapTPKT prefixes payload with a TPKT header.
func wrapTPKT(payload []byte) []byte {
	out := make([]byte, TPKTHeaderSize+len(payload))
	out[0] = TPKTVersion
	out[1] = 0
	binary.BigEndian.PutUint16(out[2:], uint16(TPKTHeaderSize+len(payload)))
	copy(out[TPKTHeaderSize:], payload)
	return out
}

// readSlowPathFrame completes a TPKT read whose version byte was
// already consumed by the frame classifier.
func readSlowPathFrame(r io.Reader, version byte) (*Frame, error) {
	if version != TPKTVersion {
		return nil, fmt.Errorf("TPKT version %d: %w", version, ErrInvalidHeader)
	}

	var rest [3]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return nil, fmt.Errorf("TPKT header: %w", wrapShortRead(err))
	}

	total := int(binary.BigEndian.Uint16(rest[1:]))
	if total < TPKTHeaderSize+X224_DATA_HEADER_SIZE {
		return nil, fmt.Errorf("TPKT length %d too small: %w", total, ErrInvalidHeader)
	}

	payload := make([]byte, total-TPKTHeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("TPKT payload (%d bytes): %w", len(payload), wrapShortRead(err))
	}

	return &Frame{Data: payload}, nil
}
