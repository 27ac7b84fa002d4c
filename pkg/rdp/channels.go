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
	"strings"
)

// Static virtual channels (MS-RDPBCGR 2.2.6). The client announces its
// channel list in the Basic Settings Exchange; the server assigns MCS
// channel ids from 1004 upward, confirms each join, and multiplexes
// channel traffic over the single MCS transport with an 8-byte
// CHANNEL_PDU_HEADER on every fragment.

// WTS_CHANNEL_OPTION_DYNAMIC requests a dynamic virtual channel
// (MS-RDPEDYC). Only static channels are served here; an open that
// carries this flag is refused.
const WTS_CHANNEL_OPTION_DYNAMIC = 0x00000001

// Channel is one registered static virtual channel.
type Channel struct {
	Name    string
	ID      uint16
	Options uint32

	Joined bool // MCS channel join confirmed
	Open   bool // opened by server-side code for I/O

	defrag channelDefrag
}

// ShowProtocol reports whether fragments written to this channel carry
// CHANNEL_FLAG_SHOW_PROTOCOL (MS-RDPBCGR 3.1.5.2.2).
func (c *Channel) ShowProtocol() bool {
	return c.Options&CHANNEL_OPTION_SHOW_PROTOCOL != 0
}

type channelDefrag struct {
	buf         []byte
	totalLength int
	received    int
	assembling  bool
}

// ChannelManager owns the static channel registry for one connection.
type ChannelManager struct {
	channels []*Channel
	byID     map[uint16]*Channel
	byName   map[string]*Channel

	// ChunkSize is the maximum channel payload per fragment, excluding
	// the CHANNEL_PDU_HEADER.
	ChunkSize int
}

// NewChannelManager registers the client's announced channels,
// assigning MCS channel ids from 1004. Channel names are matched
// case-insensitively and limited to 8 bytes.
func NewChannelManager(defs []ChannelDef, chunkSize int) (*ChannelManager, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultVCChunkSize
	}
	m := &ChannelManager{
		byID:      make(map[uint16]*Channel),
		byName:    make(map[string]*Channel),
		ChunkSize: chunkSize,
	}
	for i, def := range defs {
		if len(def.Name) > ChannelNameMaxLength {
			return nil, fmt.Errorf("channel %q: %w", def.Name, ErrChannelNameTooLong)
		}
		ch := &Channel{
			Name:    def.Name,
			ID:      MCS_CHANNEL_STATIC_BASE + uint16(i),
			Options: def.Options,
		}
		m.channels = append(m.channels, ch)
		m.byID[ch.ID] = ch
		m.byName[strings.ToLower(ch.Name)] = ch
	}
	return m, nil
}

// IDs returns the assigned MCS channel ids in announcement order, for
// the server network data block.
func (m *ChannelManager) IDs() []uint16 {
	ids := make([]uint16, len(m.channels))
	for i, ch := range m.channels {
		ids[i] = ch.ID
	}
	return ids
}

// ByID looks a channel up by its MCS channel id.
func (m *ChannelManager) ByID(id uint16) (*Channel, bool) {
	ch, ok := m.byID[id]
	return ch, ok
}

// ByName looks a channel up case-insensitively.
func (m *ChannelManager) ByName(name string) (*Channel, bool) {
	ch, ok := m.byName[strings.ToLower(name)]
	return ch, ok
}

// MarkJoined records a confirmed MCS channel join. Joins for the I/O or
// message channel are not tracked here.
func (m *ChannelManager) MarkJoined(id uint16) {
	if ch, ok := m.byID[id]; ok {
		ch.Joined = true
	}
}

// AllJoined reports whether every registered channel has been joined.
func (m *ChannelManager) AllJoined() bool {
	for _, ch := range m.channels {
		if !ch.Joined {
			return false
		}
	}
	return true
}

// Open marks a joined channel available for server-side I/O. Opening
// an already-open channel returns the same channel and no error.
// Dynamic channel opens are refused; a channel whose MCS join has not
// been confirmed cannot be opened.
func (m *ChannelManager) Open(name string, flags uint32) (*Channel, error) {
	if flags&WTS_CHANNEL_OPTION_DYNAMIC != 0 {
		return nil, fmt.Errorf("channel %q: dynamic channels are not served: %w", name, ErrChannelNotFound)
	}
	if len(name) > ChannelNameMaxLength {
		return nil, fmt.Errorf("channel %q: %w", name, ErrChannelNameTooLong)
	}
	ch, ok := m.ByName(name)
	if !ok {
		return nil, fmt.Errorf("channel %q: %w", name, ErrChannelNotFound)
	}
	if !ch.Joined {
		return nil, fmt.Errorf("channel %q: MCS join not confirmed: %w", name, ErrChannelNotFound)
	}
	ch.Open = true
	return ch, nil
}

// Close detaches a channel from server-side I/O. The channel stays
// joined at the MCS level and may be opened again. Closing an unknown
// channel is an error; closing a channel that is not open is not.
func (m *ChannelManager) Close(name string) error {
	ch, ok := m.ByName(name)
	if !ok {
		return fmt.Errorf("channel %q: %w", name, ErrChannelNotFound)
	}
	ch.Open = false
	return nil
}

// Fragment splits data into channel PDU fragments, each prefixed with
// the CHANNEL_PDU_HEADER: totalLength then flags, both little-endian
// (MS-RDPBCGR 2.2.6.1). Every fragment repeats totalLength; FIRST is
// set on the first, LAST on the last, and a payload that fits in one
// chunk carries both.
func (m *ChannelManager) Fragment(ch *Channel, data []byte) [][]byte {
	chunk := m.ChunkSize
	total := len(data)

	var fragments [][]byte
	for offset := 0; offset < total || total == 0; {
		n := total - offset
		if n > chunk {
			n = chunk
		}

		flags := uint32(0)
		if offset == 0 {
			flags |= CHANNEL_FLAG_FIRST
		}
		if offset+n == total {
			flags |= CHANNEL_FLAG_LAST
		}
		if ch.ShowProtocol() {
			flags |= CHANNEL_FLAG_SHOW_PROTOCOL
		}

		frag := make([]byte, ChannelPDUHeaderSize+n)
		binary.LittleEndian.PutUint32(frag[0:], uint32(total))
		binary.LittleEndian.PutUint32(frag[4:], flags)
		copy(frag[ChannelPDUHeaderSize:], data[offset:offset+n])
		fragments = append(fragments, frag)

		offset += n
		if total == 0 {
			break
		}
	}
	return fragments
}

// Receive validates one inbound channel fragment and returns its body
// with the CHANNEL_PDU_HEADER fields. Fragments are handed to the
// consumer one by one; the header stays with the data so the consumer
// can run its own reassembly. A fragment stream that violates
// FIRST/LAST ordering or overflows its declared totalLength is a
// protocol error.
func (ch *Channel) Receive(fragment []byte) (body []byte, flags, totalLength uint32, err error) {
	s := NewStream(fragment)
	totalLength, err = s.ReadUint32LE("channel totalLength")
	if err != nil {
		return nil, 0, 0, err
	}
	flags, err = s.ReadUint32LE("channel flags")
	if err != nil {
		return nil, 0, 0, err
	}
	body = s.Bytes()

	d := &ch.defrag
	if flags&CHANNEL_FLAG_FIRST != 0 {
		d.assembling = true
		d.totalLength = int(totalLength)
		d.received = 0
		d.buf = d.buf[:0]
	} else if !d.assembling {
		return nil, 0, 0, fmt.Errorf("channel %q: fragment without FIRST: %w", ch.Name, ErrUnexpectedPDU)
	}

	if d.received+len(body) > d.totalLength {
		d.assembling = false
		return nil, 0, 0, fmt.Errorf("channel %q: reassembled %d bytes exceeds declared %d: %w",
			ch.Name, d.received+len(body), d.totalLength, ErrInvalidHeader)
	}
	d.received += len(body)

	if flags&CHANNEL_FLAG_LAST != 0 {
		d.assembling = false
		if d.received != d.totalLength {
			return nil, 0, 0, fmt.Errorf("channel %q: reassembled %d bytes, declared %d: %w",
				ch.Name, d.received, d.totalLength, ErrInvalidHeader)
		}
	}
	return body, flags, totalLength, nil
}

// Reassemble is a buffering helper over Receive for consumers that
// want complete payloads: it returns the assembled payload once the
// LAST fragment arrives, nil otherwise.
func (ch *Channel) Reassemble(fragment []byte) ([]byte, error) {
	body, flags, _, err := ch.Receive(fragment)
	if err != nil {
		return nil, err
	}

	d := &ch.defrag
	d.buf = append(d.buf, body...)
	if flags&CHANNEL_FLAG_LAST == 0 {
		return nil, nil
	}
	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	return out, nil
}
