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
)

// Stream is a bounds-checked cursor over a single decoded frame. Every
// read helper returns an error wrapping ErrTruncatedPDU instead of
// panicking, so a hostile frame can never index past its buffer. The
// cursor can be saved and rewound, which the PDU driver uses when a
// handler asks to re-parse the same frame in a later state.
type Stream struct {
	data []byte
	pos  int
}

// NewStream wraps data without copying it.
func NewStream(data []byte) *Stream {
	return &Stream{data: data}
}

// Len returns the number of unread bytes.
func (s *Stream) Len() int { return len(s.data) - s.pos }

// Pos returns the current cursor position.
func (s *Stream) Pos() int { return s.pos }

// Rewind moves the cursor back to a position previously obtained from Pos.
func (s *Stream) Rewind(pos int) {
	if pos < 0 || pos > len(s.data) {
		pos = 0
	}
	s.pos = pos
}

// Bytes returns the unread remainder without advancing the cursor.
func (s *Stream) Bytes() []byte { return s.data[s.pos:] }

func (s *Stream) check(n int, what string) error {
	if s.Len() < n {
		return fmt.Errorf("%s: need %d bytes, have %d: %w", what, n, s.Len(), ErrTruncatedPDU)
	}
	return nil
}

// ReadUint8 reads a single byte.
func (s *Stream) ReadUint8(what string) (uint8, error) {
	if err := s.check(1, what); err != nil {
		return 0, err
	}
	v := s.data[s.pos]
	s.pos++
	return v, nil
}

// ReadUint16LE reads a little-endian uint16.
func (s *Stream) ReadUint16LE(what string) (uint16, error) {
	if err := s.check(2, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(s.data[s.pos:])
	s.pos += 2
	return v, nil
}

// ReadUint16BE reads a big-endian uint16.
func (s *Stream) ReadUint16BE(what string) (uint16, error) {
	if err := s.check(2, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(s.data[s.pos:])
	s.pos += 2
	return v, nil
}

// ReadUint32LE reads a little-endian uint32.
func (s *Stream) ReadUint32LE(what string) (uint32, error) {
	if err := s.check(4, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(s.data[s.pos:])
	s.pos += 4
	return v, nil
}

// ReadUint64LE reads a little-endian uint64.
func (s *Stream) ReadUint64LE(what string) (uint64, error) {
	if err := s.check(8, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(s.data[s.pos:])
	s.pos += 8
	return v, nil
}

// ReadBytes reads exactly n bytes. The returned slice aliases the frame.
func (s *Stream) ReadBytes(n int, what string) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%s: negative length %d: %w", what, n, ErrInvalidHeader)
	}
	if err := s.check(n, what); err != nil {
		return nil, err
	}
	v := s.data[s.pos : s.pos+n]
	s.pos += n
	return v, nil
}

// Skip advances the cursor past n bytes.
func (s *Stream) Skip(n int, what string) error {
	if err := s.check(n, what); err != nil {
		return err
	}
	s.pos += n
	return nil
}
