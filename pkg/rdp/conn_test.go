/*
RDP Peer Go - Server-side RDP protocol core
Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as
published by the Free Software Foundation, either version 3 of the
License, or (at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package rdp

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTransport captures everything the server writes so tests can
// replay it through ReadFrame. Reads report EOF; the tests feed frames
// through ProcessFrame directly.
type recordingTransport struct {
	out    bytes.Buffer
	closed bool
}

func (rt *recordingTransport) Read(p []byte) (int, error)  { return 0, io.EOF }
func (rt *recordingTransport) Write(p []byte) (int, error) { return rt.out.Write(p) }
func (rt *recordingTransport) Close() error                { rt.closed = true; return nil }

func (rt *recordingTransport) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3389}
}
func (rt *recordingTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 49152}
}
func (rt *recordingTransport) SetDeadline(time.Time) error      { return nil }
func (rt *recordingTransport) SetReadDeadline(time.Time) error  { return nil }
func (rt *recordingTransport) SetWriteDeadline(time.Time) error { return nil }

func newTestConn(mutate func(*ServerOptions)) (*Conn, *recordingTransport) {
	opts := DefaultServerOptions()
	opts.Logger = hclog.NewNullLogger()
	opts.EncryptionMethod = ENCRYPTION_METHOD_NONE
	opts.EncryptionLevel = ENCRYPTION_LEVEL_NONE
	opts.NetworkAutoDetect = false
	opts.OfferMultitransport = false
	opts.ReadTimeout = 0
	if mutate != nil {
		mutate(opts)
	}
	tr := &recordingTransport{}
	return NewConn(tr, opts), tr
}

// drainServerFrames replays the captured server output through the
// frame reader and clears the buffer.
func drainServerFrames(t *testing.T, tr *recordingTransport) []*Frame {
	t.Helper()
	var frames []*Frame
	r := bytes.NewReader(tr.out.Bytes())
	for r.Len() > 0 {
		f, err := ReadFrame(r)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	tr.out.Reset()
	return frames
}

// parseServerIndication unwraps one slow-path frame into the channel id
// and payload of its MCS send-data indication.
func parseServerIndication(t *testing.T, f *Frame) (uint16, []byte) {
	t.Helper()
	require.False(t, f.FastPath)
	data, err := stripX224DataHeader(f.Data)
	require.NoError(t, err)
	require.Equal(t, byte(MCS_SEND_DATA_INDICATION<<2), data[0])

	channel := binary.BigEndian.Uint16(data[3:5])
	s := NewStream(data[6:]) // past choice, initiator, channel, priority
	n, err := perReadLength(s, "indication length")
	require.NoError(t, err)
	payload, err := s.ReadBytes(n, "indication payload")
	require.NoError(t, err)
	return channel, payload
}

func clientFrame(mcsPDU []byte) *Frame {
	return &Frame{Data: append([]byte{0x02, X224_TPDU_DATA, 0x80}, mcsPDU...)}
}

// clientSendData frames payload as an MCS send-data request from the
// first attached user.
func clientSendData(channelID uint16, payload []byte) *Frame {
	buf := new(bytes.Buffer)
	buf.WriteByte(MCS_SEND_DATA_REQUEST << 2)
	perWriteInteger16(buf, serverChannelID, MCS_CHANNEL_USER_BASE)
	binary.Write(buf, binary.BigEndian, channelID)
	buf.WriteByte(0x70)
	perWriteLength(buf, len(payload))
	buf.Write(payload)
	return clientFrame(buf.Bytes())
}

func secWrap(flags uint16, payload []byte) []byte {
	head := make([]byte, 4)
	binary.LittleEndian.PutUint16(head, flags)
	return append(head, payload...)
}

// clientShareControl wraps body in a client-sourced share control
// header.
func clientShareControl(pduType uint16, body []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(6+len(body)))
	binary.Write(buf, binary.LittleEndian, pduType|SHARE_CONTROL_VERSION)
	binary.Write(buf, binary.LittleEndian, uint16(serverChannelID))
	buf.Write(body)
	return buf.Bytes()
}

func confirmActiveFrame(shareID uint32) *Frame {
	body := buildTestConfirmActive(shareID, []testCapabilitySet{
		{CAPSTYPE_BITMAP, bitmapCapBody(16, 1280, 720)},
		{CAPSTYPE_INPUT, inputCapBody(INPUT_FLAG_SCANCODES)},
	})
	return clientSendData(MCS_CHANNEL_GLOBAL, clientShareControl(PDUTYPE_CONFIRMACTIVEPDU, body))
}

func clientDataPDU(shareID uint32, pduType2 uint8, body []byte) *Frame {
	return clientSendData(MCS_CHANNEL_GLOBAL, wrapShareData(shareID, serverChannelID, pduType2, body))
}

func synchronizeBody() []byte {
	return []byte{0x01, 0x00, 0xEA, 0x03}
}

func controlBody(action uint16) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint16(out, action)
	return out
}

// runToCapabilities drives the connection from the wire-up through the
// demand active, returning the negotiated share id.
func runToCapabilities(t *testing.T, c *Conn, tr *recordingTransport, cfg testClientSettings) uint32 {
	t.Helper()

	v, err := c.ProcessFrame(&Frame{Data: buildTestConnectionRequest(0xAB12, "", PROTOCOL_RDP, true)})
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, v)
	require.Equal(t, StateMCSConnect, c.State())

	frames := drainServerFrames(t, tr)
	require.Len(t, frames, 1)
	assert.Equal(t, byte(X224_TPDU_CONNECTION_CONFIRM), frames[0].Data[1])

	v, err = c.ProcessFrame(clientFrame(buildTestConnectInitial(cfg)))
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, v)
	require.Equal(t, StateMCSErectDomain, c.State())
	drainServerFrames(t, tr)

	v, err = c.ProcessFrame(clientFrame([]byte{MCS_ERECT_DOMAIN_REQUEST << 2, 0x00, 0x00}))
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, v)

	v, err = c.ProcessFrame(clientFrame([]byte{MCS_ATTACH_USER_REQUEST << 2}))
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, v)
	require.Equal(t, StateMCSChannelJoin, c.State())
	drainServerFrames(t, tr)

	join := func(channelID uint16) {
		req := []byte{MCS_CHANNEL_JOIN_REQUEST << 2, 0x00, 0x01, byte(channelID >> 8), byte(channelID)}
		v, err := c.ProcessFrame(clientFrame(req))
		require.NoError(t, err)
		require.Equal(t, VerdictSuccess, v)
	}
	join(serverChannelID)
	join(MCS_CHANNEL_GLOBAL)
	for i := range cfg.Channels {
		join(MCS_CHANNEL_STATIC_BASE + uint16(i))
	}
	require.Equal(t, StateClientInfo, c.State())
	drainServerFrames(t, tr)

	info := testInfoPacket{
		Flags:    INFO_UNICODE | INFO_MOUSE,
		Username: "operator",
	}
	v, err = c.ProcessFrame(clientSendData(MCS_CHANNEL_GLOBAL, secWrap(SEC_INFO_PKT, info.encode())))
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, v)
	require.Equal(t, StateCapabilitiesExchange, c.State())

	// The licensing short-circuit and the demand active ride the same
	// driver pass: one license alert, then the demand active.
	frames = drainServerFrames(t, tr)
	require.Len(t, frames, 2)

	_, license := parseServerIndication(t, frames[0])
	assert.Equal(t, uint16(SEC_LICENSE_PKT), binary.LittleEndian.Uint16(license)&SEC_LICENSE_PKT)
	assert.Equal(t, byte(ERROR_ALERT), license[4])

	_, demand := parseServerIndication(t, frames[1])
	hdr, err := parseShareControlHeader(NewStream(demand))
	require.NoError(t, err)
	assert.Equal(t, uint16(PDUTYPE_DEMANDACTIVEPDU), hdr.Type())

	require.NotZero(t, c.ShareID())
	return c.ShareID()
}

// runToActive finishes the capability exchange and the finalization
// sequence in canonical order.
func runToActive(t *testing.T, c *Conn, tr *recordingTransport, cfg testClientSettings) uint32 {
	t.Helper()
	shareID := runToCapabilities(t, c, tr, cfg)

	v, err := c.ProcessFrame(confirmActiveFrame(shareID))
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, v)
	require.Equal(t, StateFinalization, c.State())

	steps := []*Frame{
		clientDataPDU(shareID, PDUTYPE2_SYNCHRONIZE, synchronizeBody()),
		clientDataPDU(shareID, PDUTYPE2_CONTROL, controlBody(CTRLACTION_COOPERATE)),
		clientDataPDU(shareID, PDUTYPE2_CONTROL, controlBody(CTRLACTION_REQUEST_CONTROL)),
		clientDataPDU(shareID, PDUTYPE2_FONTLIST, nil),
	}
	for i, f := range steps[:3] {
		v, err := c.ProcessFrame(f)
		require.NoError(t, err, "finalization step %d", i)
		require.Equal(t, VerdictSuccess, v)
	}
	v, err = c.ProcessFrame(steps[3])
	require.NoError(t, err)
	require.Equal(t, VerdictActive, v)
	require.Equal(t, StateActive, c.State())
	drainServerFrames(t, tr)
	return shareID
}

func TestConnHandshakeToActive(t *testing.T) {
	var postConnects, activations int
	c, tr := newTestConn(func(o *ServerOptions) {
		o.Hooks.PostConnect = func(*Conn) error { postConnects++; return nil }
		o.Hooks.Activated = func(*Conn) error { activations++; return nil }
	})

	runToActive(t, c, tr, defaultTestClientSettings())

	assert.Equal(t, 1, postConnects)
	assert.Equal(t, 1, activations)
	require.NotNil(t, c.Client())
	assert.Equal(t, "WORKSTATION7", c.Client().Core.ClientName)
	require.NotNil(t, c.Info())
	assert.Equal(t, "operator", c.Info().Username)
	require.NotNil(t, c.Capabilities())
	assert.Equal(t, uint16(1280), c.Capabilities().DesktopWidth)
}

func TestConnFinalizationOutOfOrder(t *testing.T) {
	// A client sending the font list first is warned about but not
	// rejected; the complete set still activates.
	c, tr := newTestConn(nil)
	shareID := runToCapabilities(t, c, tr, defaultTestClientSettings())

	v, err := c.ProcessFrame(confirmActiveFrame(shareID))
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, v)

	for _, f := range []*Frame{
		clientDataPDU(shareID, PDUTYPE2_FONTLIST, nil),
		clientDataPDU(shareID, PDUTYPE2_CONTROL, controlBody(CTRLACTION_REQUEST_CONTROL)),
		clientDataPDU(shareID, PDUTYPE2_SYNCHRONIZE, synchronizeBody()),
	} {
		v, err := c.ProcessFrame(f)
		require.NoError(t, err)
		require.Equal(t, VerdictSuccess, v)
	}

	v, err = c.ProcessFrame(clientDataPDU(shareID, PDUTYPE2_CONTROL, controlBody(CTRLACTION_COOPERATE)))
	require.NoError(t, err)
	assert.Equal(t, VerdictActive, v)
	assert.Equal(t, StateActive, c.State())
}

func TestConnVirtualChannelRouting(t *testing.T) {
	type delivery struct {
		channel string
		data    []byte
		flags   uint32
		total   uint32
	}
	var got []delivery
	c, tr := newTestConn(func(o *ServerOptions) {
		o.Hooks.VirtualChannelData = func(_ *Conn, name string, data []byte, flags, total uint32) error {
			got = append(got, delivery{name, append([]byte(nil), data...), flags, total})
			return nil
		}
	})
	cfg := defaultTestClientSettings()
	cfg.Channels = []ChannelDef{{Name: "cliprdr", Options: CHANNEL_OPTION_INITIALIZED}}
	runToActive(t, c, tr, cfg)

	payload := bytes.Repeat([]byte{0x5C}, 48)

	// A lone FIRST fragment reaches the consumer immediately with its
	// header fields; nothing is held back waiting for LAST.
	v, err := c.ProcessFrame(clientSendData(MCS_CHANNEL_STATIC_BASE,
		channelFragment(uint32(len(payload)), CHANNEL_FLAG_FIRST, payload[:32])))
	require.NoError(t, err)
	assert.Equal(t, VerdictActive, v)
	require.Len(t, got, 1)
	assert.Equal(t, "cliprdr", got[0].channel)
	assert.Equal(t, payload[:32], got[0].data)
	assert.Equal(t, uint32(CHANNEL_FLAG_FIRST), got[0].flags)
	assert.Equal(t, uint32(len(payload)), got[0].total)

	v, err = c.ProcessFrame(clientSendData(MCS_CHANNEL_STATIC_BASE,
		channelFragment(uint32(len(payload)), CHANNEL_FLAG_LAST, payload[32:])))
	require.NoError(t, err)
	assert.Equal(t, VerdictActive, v)
	require.Len(t, got, 2)
	assert.Equal(t, payload[32:], got[1].data)
	assert.Equal(t, uint32(CHANNEL_FLAG_LAST), got[1].flags)
	assert.Equal(t, uint32(len(payload)), got[1].total)
}

func TestConnDataForUnjoinedChannelIsFatal(t *testing.T) {
	c, tr := newTestConn(nil)
	runToActive(t, c, tr, defaultTestClientSettings())

	_, err := c.ProcessFrame(clientSendData(1010, []byte{0x00}))
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestConnShutdownRequest(t *testing.T) {
	t.Run("denied by hook", func(t *testing.T) {
		c, tr := newTestConn(func(o *ServerOptions) {
			o.Hooks.ShutdownRequested = func(*Conn) bool { return false }
		})
		shareID := runToActive(t, c, tr, defaultTestClientSettings())

		v, err := c.ProcessFrame(clientDataPDU(shareID, PDUTYPE2_SHUTDOWN_REQUEST, nil))
		require.NoError(t, err)
		assert.Equal(t, VerdictSuccess, v)
		assert.Equal(t, StateActive, c.State())

		frames := drainServerFrames(t, tr)
		require.Len(t, frames, 1)
		_, denied := parseServerIndication(t, frames[0])
		_, hdr, _ := parseTestShareData(t, denied)
		assert.Equal(t, uint8(PDUTYPE2_SHUTDOWN_DENIED), hdr.PDUType2)
	})

	t.Run("allowed by default", func(t *testing.T) {
		c, tr := newTestConn(nil)
		shareID := runToActive(t, c, tr, defaultTestClientSettings())

		v, err := c.ProcessFrame(clientDataPDU(shareID, PDUTYPE2_SHUTDOWN_REQUEST, nil))
		require.NoError(t, err)
		assert.Equal(t, VerdictQuit, v)
	})
}

func TestConnInputDelivery(t *testing.T) {
	type key struct{ flags, code uint16 }
	var keys []key
	c, tr := newTestConn(func(o *ServerOptions) {
		o.Hooks.KeyboardEvent = func(_ *Conn, flags, code uint16) {
			keys = append(keys, key{flags, code})
		}
	})
	shareID := runToActive(t, c, tr, defaultTestClientSettings())

	body := make([]byte, 4+12)
	binary.LittleEndian.PutUint16(body[0:], 1)
	binary.LittleEndian.PutUint32(body[4:], 2500)
	binary.LittleEndian.PutUint16(body[8:], INPUT_EVENT_SCANCODE)
	binary.LittleEndian.PutUint16(body[10:], 0x8000) // key release
	binary.LittleEndian.PutUint16(body[12:], 0x1C)

	v, err := c.ProcessFrame(clientDataPDU(shareID, PDUTYPE2_INPUT, body))
	require.NoError(t, err)
	assert.Equal(t, VerdictSuccess, v)
	require.Len(t, keys, 1)
	assert.Equal(t, key{0x8000, 0x1C}, keys[0])

	// Fast-path input reaches the same hook once active.
	v, err = c.ProcessFrame(&Frame{FastPath: true, Data: []byte{0x04, 0x01, 0x1E}})
	require.NoError(t, err)
	assert.Equal(t, VerdictActive, v)
	require.Len(t, keys, 2)
	assert.Equal(t, uint16(0x1E), keys[1].code)
}

func TestConnFastPathInputBeforeActivation(t *testing.T) {
	c, _ := newTestConn(nil)
	_, err := c.ProcessFrame(&Frame{FastPath: true, Data: []byte{0x04, 0x60}})
	assert.ErrorIs(t, err, ErrUnexpectedPDU)
}

func TestConnNegotiationFailureCloses(t *testing.T) {
	// A hybrid-only client cannot be served without NLA.
	c, tr := newTestConn(nil)
	v, err := c.ProcessFrame(&Frame{Data: buildTestConnectionRequest(0x0001, "", PROTOCOL_HYBRID, true)})
	require.NoError(t, err)
	assert.Equal(t, VerdictQuit, v)
	assert.Equal(t, StateClosed, c.State())

	frames := drainServerFrames(t, tr)
	require.Len(t, frames, 1)
	assert.Equal(t, byte(X224_TPDU_CONNECTION_CONFIRM), frames[0].Data[1])
	assert.Equal(t, byte(TYPE_RDP_NEG_FAILURE), frames[0].Data[7])
}

func TestConnWriteChannel(t *testing.T) {
	c, tr := newTestConn(nil)
	cfg := defaultTestClientSettings()
	cfg.Channels = []ChannelDef{{Name: "rdpsnd"}}
	runToActive(t, c, tr, cfg)

	ch, err := c.OpenChannel("rdpsnd", 0)
	require.NoError(t, err)
	again, err := c.OpenChannel("rdpsnd", 0)
	require.NoError(t, err)
	assert.Same(t, ch, again)

	_, err = c.OpenChannel("rdpsnd", WTS_CHANNEL_OPTION_DYNAMIC)
	assert.ErrorIs(t, err, ErrChannelNotFound, "dynamic opens are refused")

	payload := bytes.Repeat([]byte{0xA7}, 100)
	require.NoError(t, c.WriteChannel("rdpsnd", payload))

	frames := drainServerFrames(t, tr)
	require.Len(t, frames, 1)
	channel, frag := parseServerIndication(t, frames[0])
	assert.Equal(t, uint16(MCS_CHANNEL_STATIC_BASE), channel)
	assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(frag[0:4]))

	assert.ErrorIs(t, c.WriteChannel("nosuch", payload), ErrChannelNotFound)

	// Closing detaches the write handle but leaves the channel joined
	// for a later reopen.
	require.NoError(t, c.CloseChannel("rdpsnd"))
	assert.ErrorIs(t, c.WriteChannel("rdpsnd", payload), ErrChannelNotFound)
	assert.True(t, ch.Joined)
	_, err = c.OpenChannel("rdpsnd", 0)
	require.NoError(t, err)
	require.NoError(t, c.WriteChannel("rdpsnd", payload))
}

func TestConnTrailingPDUBytes(t *testing.T) {
	padded := append(synchronizeBody(), 0xAA, 0xBB)

	t.Run("tolerated by default", func(t *testing.T) {
		c, tr := newTestConn(nil)
		shareID := runToCapabilities(t, c, tr, defaultTestClientSettings())
		v, err := c.ProcessFrame(confirmActiveFrame(shareID))
		require.NoError(t, err)
		require.Equal(t, VerdictSuccess, v)

		v, err = c.ProcessFrame(clientDataPDU(shareID, PDUTYPE2_SYNCHRONIZE, padded))
		require.NoError(t, err)
		assert.Equal(t, VerdictSuccess, v)
	})

	t.Run("fatal in strict mode", func(t *testing.T) {
		c, tr := newTestConn(func(o *ServerOptions) { o.StrictPadding = true })
		shareID := runToCapabilities(t, c, tr, defaultTestClientSettings())
		v, err := c.ProcessFrame(confirmActiveFrame(shareID))
		require.NoError(t, err)
		require.Equal(t, VerdictSuccess, v)

		_, err = c.ProcessFrame(clientDataPDU(shareID, PDUTYPE2_SYNCHRONIZE, padded))
		assert.ErrorIs(t, err, ErrInvalidHeader)
	})
}

func TestConnFastPathEncryptedInput(t *testing.T) {
	var gotFlags, gotCode uint16
	c, _ := newTestConn(func(o *ServerOptions) {
		o.Hooks.KeyboardEvent = func(_ *Conn, flags, code uint16) {
			gotFlags, gotCode = flags, code
		}
	})
	c.state = StateActive

	clientRandom := bytes.Repeat([]byte{0x3C}, 32)
	server, err := NewSecuritySession(ENCRYPTION_METHOD_128BIT, ENCRYPTION_LEVEL_CLIENT_COMPATIBLE)
	require.NoError(t, err)
	require.NoError(t, server.Establish(clientRandom))
	c.security = server

	client, err := NewSecuritySession(ENCRYPTION_METHOD_128BIT, ENCRYPTION_LEVEL_CLIENT_COMPATIBLE)
	require.NoError(t, err)
	client.ServerRandom = server.ServerRandom
	client.keys = clientSessionKeys(t, clientRandom, server.ServerRandom, ENCRYPTION_METHOD_128BIT)
	require.NoError(t, armTestSession(client))

	// One scancode event. Encrypt mutates the body in place, so the
	// slice appended below is the ciphertext.
	body := []byte{0x01, 0x1E}
	mac, err := client.Encrypt(body)
	require.NoError(t, err)

	data := append([]byte{FASTPATH_INPUT_ENCRYPTED<<6 | 1<<2}, mac...)
	data = append(data, body...)
	v, err := c.ProcessFrame(&Frame{FastPath: true, Data: data})
	require.NoError(t, err)
	assert.Equal(t, VerdictActive, v)
	assert.Equal(t, uint16(0x01), gotFlags)
	assert.Equal(t, uint16(0x1E), gotCode)
}

func TestConnFastPathEncryptedInputBadMAC(t *testing.T) {
	c, _ := newTestConn(nil)
	c.state = StateActive

	server, err := NewSecuritySession(ENCRYPTION_METHOD_128BIT, ENCRYPTION_LEVEL_CLIENT_COMPATIBLE)
	require.NoError(t, err)
	require.NoError(t, server.Establish(bytes.Repeat([]byte{0x3C}, 32)))
	c.security = server

	data := append([]byte{FASTPATH_INPUT_ENCRYPTED<<6 | 1<<2}, make([]byte, 10)...)
	_, err = c.ProcessFrame(&Frame{FastPath: true, Data: data})
	assert.ErrorIs(t, err, ErrSecurityViolation)
}

func TestConnDemandActiveChunkSize(t *testing.T) {
	c, tr := newTestConn(func(o *ServerOptions) { o.VCChunkSize = 4096 })
	runToActive(t, c, tr, defaultTestClientSettings())

	// Reactivation resends the demand active, exposing the advertised
	// capability sets for inspection.
	require.NoError(t, c.Reactivate())
	frames := drainServerFrames(t, tr)
	require.Len(t, frames, 2)

	_, demand := parseServerIndication(t, frames[1])
	s := NewStream(demand)
	_, err := parseShareControlHeader(s)
	require.NoError(t, err)
	require.NoError(t, s.Skip(4, "shareId"))
	srcDescLen, _ := s.ReadUint16LE("lengthSourceDescriptor")
	_, _ = s.ReadUint16LE("lengthCombinedCapabilities")
	require.NoError(t, s.Skip(int(srcDescLen), "sourceDescriptor"))
	numCaps, _ := s.ReadUint16LE("numberCapabilities")
	require.NoError(t, s.Skip(2, "pad"))

	var chunk uint32
	for i := uint16(0); i < numCaps; i++ {
		capType, _ := s.ReadUint16LE("capabilitySetType")
		capLen, _ := s.ReadUint16LE("lengthCapability")
		capBody, err := s.ReadBytes(int(capLen)-4, "capability body")
		require.NoError(t, err)
		if capType == CAPSTYPE_VIRTUALCHANNEL {
			chunk = binary.LittleEndian.Uint32(capBody[4:])
		}
	}
	assert.Equal(t, uint32(4096), chunk, "advertised chunk follows the configured option")
}

func TestConnReactivation(t *testing.T) {
	c, tr := newTestConn(nil)
	shareID := runToActive(t, c, tr, defaultTestClientSettings())

	require.NoError(t, c.Reactivate())
	assert.Equal(t, StateCapabilitiesExchange, c.State())

	frames := drainServerFrames(t, tr)
	require.Len(t, frames, 2, "deactivate all, then demand active")

	// The second confirm active runs the finalization again and lands
	// back in ACTIVE.
	v, err := c.ProcessFrame(confirmActiveFrame(shareID))
	require.NoError(t, err)
	assert.Equal(t, VerdictSuccess, v)
	assert.Equal(t, StateFinalization, c.State())
}

func TestConnCloseSendsUltimatum(t *testing.T) {
	c, tr := newTestConn(nil)
	runToActive(t, c, tr, defaultTestClientSettings())

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, tr.closed)

	frames := drainServerFrames(t, tr)
	require.Len(t, frames, 2, "deactivate all, then disconnect ultimatum")

	// Close is idempotent.
	require.NoError(t, c.Close())
}
