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
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClientSettings drives the synthetic user-data builders below.
type testClientSettings struct {
	DesktopWidth         uint16
	DesktopHeight        uint16
	ClientName           string
	EarlyCapabilityFlags uint16
	EncryptionMethods    uint32
	Channels             []ChannelDef
	MessageChannel       bool
	MultitransportFlags  uint32
}

func defaultTestClientSettings() testClientSettings {
	return testClientSettings{
		DesktopWidth:      1280,
		DesktopHeight:     720,
		ClientName:        "WORKSTATION7",
		EncryptionMethods: ENCRYPTION_METHOD_128BIT,
	}
}

func userDataBlock(blockType uint16, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint16(out[0:], blockType)
	binary.LittleEndian.PutUint16(out[2:], uint16(4+len(body)))
	copy(out[4:], body)
	return out
}

func buildTestCoreData(cfg testClientSettings) []byte {
	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, uint32(0x00080004)) // RDP 8.1
	binary.Write(body, binary.LittleEndian, cfg.DesktopWidth)
	binary.Write(body, binary.LittleEndian, cfg.DesktopHeight)
	binary.Write(body, binary.LittleEndian, uint16(0xCA01)) // colorDepth 8bpp
	binary.Write(body, binary.LittleEndian, uint16(0xAA03)) // SASSequence
	binary.Write(body, binary.LittleEndian, uint32(0x409))  // keyboardLayout
	binary.Write(body, binary.LittleEndian, uint32(18363))  // clientBuild

	name := make([]byte, 32)
	for i, r := range utf16.Encode([]rune(cfg.ClientName)) {
		if 2*i+1 >= len(name)-2 {
			break
		}
		binary.LittleEndian.PutUint16(name[2*i:], r)
	}
	body.Write(name)

	binary.Write(body, binary.LittleEndian, uint32(4)) // keyboardType
	body.Write(make([]byte, 4+4+64))                   // subtype, fn keys, imeFileName

	binary.Write(body, binary.LittleEndian, uint16(0xCA01)) // postBeta2ColorDepth
	binary.Write(body, binary.LittleEndian, uint16(1))      // clientProductId
	binary.Write(body, binary.LittleEndian, uint32(0))      // serialNumber
	binary.Write(body, binary.LittleEndian, uint16(16))     // highColorDepth
	binary.Write(body, binary.LittleEndian, uint16(0x07))   // supportedColorDepths
	binary.Write(body, binary.LittleEndian, cfg.EarlyCapabilityFlags)

	return userDataBlock(CS_CORE, body.Bytes())
}

func buildTestUserData(cfg testClientSettings) []byte {
	out := new(bytes.Buffer)
	out.Write(buildTestCoreData(cfg))

	sec := new(bytes.Buffer)
	binary.Write(sec, binary.LittleEndian, cfg.EncryptionMethods)
	binary.Write(sec, binary.LittleEndian, uint32(0))
	out.Write(userDataBlock(CS_SECURITY, sec.Bytes()))

	if len(cfg.Channels) > 0 {
		net := new(bytes.Buffer)
		binary.Write(net, binary.LittleEndian, uint32(len(cfg.Channels)))
		for _, ch := range cfg.Channels {
			name := make([]byte, 8)
			copy(name, ch.Name)
			net.Write(name)
			binary.Write(net, binary.LittleEndian, ch.Options)
		}
		out.Write(userDataBlock(CS_NET, net.Bytes()))
	}

	if cfg.MessageChannel {
		msg := make([]byte, 4)
		out.Write(userDataBlock(CS_MCS_MSGCHANNEL, msg))
	}

	if cfg.MultitransportFlags != 0 {
		mt := make([]byte, 4)
		binary.LittleEndian.PutUint32(mt, cfg.MultitransportFlags)
		out.Write(userDataBlock(CS_MULTITRANSPORT, mt))
	}

	return out.Bytes()
}

func berField(tag byte, body []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(tag)
	berEncodeLength(buf, len(body))
	buf.Write(body)
	return buf.Bytes()
}

// buildTestConnectInitial assembles the BER Connect-Initial envelope
// around the GCC user data the way a connecting client does.
func buildTestConnectInitial(cfg testClientSettings) []byte {
	body := new(bytes.Buffer)
	body.Write(berField(0x04, []byte{0x01})) // callingDomainSelector
	body.Write(berField(0x04, []byte{0x01})) // calledDomainSelector
	body.Write(berField(0x01, []byte{0xFF})) // upwardFlag
	params := []byte{0x02, 0x01, 0x22}
	body.Write(berField(0x30, params)) // targetParameters
	body.Write(berField(0x30, params)) // minimumParameters
	body.Write(berField(0x30, params)) // maximumParameters
	body.Write(berField(0x04, buildTestUserData(cfg)))

	out := new(bytes.Buffer)
	binary.Write(out, binary.BigEndian, uint16(MCS_TYPE_CONNECT_INITIAL))
	berEncodeLength(out, body.Len())
	body.WriteTo(out)
	return out.Bytes()
}

func TestParseMCSConnectInitial(t *testing.T) {
	cfg := defaultTestClientSettings()
	cfg.EarlyCapabilityFlags = RNS_UD_CS_SUPPORT_ERRINFO_PDU | RNS_UD_CS_SUPPORT_NETCHAR_AUTODETECT
	cfg.Channels = []ChannelDef{
		{Name: "cliprdr", Options: CHANNEL_OPTION_INITIALIZED},
		{Name: "rdpsnd"},
	}
	cfg.MessageChannel = true
	cfg.MultitransportFlags = TRANSPORT_TYPE_UDP_FECR

	client, err := ParseMCSConnectInitial(buildTestConnectInitial(cfg))
	require.NoError(t, err)

	require.NotNil(t, client.Core)
	assert.Equal(t, uint16(1280), client.Core.DesktopWidth)
	assert.Equal(t, uint16(720), client.Core.DesktopHeight)
	assert.Equal(t, "WORKSTATION7", client.Core.ClientName)
	assert.Equal(t, uint16(16), client.Core.HighColorDepth)
	assert.True(t, client.SupportsAutoDetect())
	assert.False(t, client.SupportsMonitorLayout())

	require.NotNil(t, client.Security)
	assert.Equal(t, uint32(ENCRYPTION_METHOD_128BIT), client.Security.EncryptionMethods)

	require.NotNil(t, client.Network)
	require.Len(t, client.Network.Channels, 2)
	assert.Equal(t, "cliprdr", client.Network.Channels[0].Name)
	assert.Equal(t, uint32(CHANNEL_OPTION_INITIALIZED), client.Network.Channels[0].Options)

	assert.True(t, client.MessageChannel)
	assert.True(t, client.Multitransport)
	assert.Equal(t, uint32(TRANSPORT_TYPE_UDP_FECR), client.MultitransportFlags)
}

func TestParseMCSConnectInitialErrors(t *testing.T) {
	valid := buildTestConnectInitial(defaultTestClientSettings())

	t.Run("wrong envelope tag", func(t *testing.T) {
		raw := append([]byte(nil), valid...)
		raw[0] = 0x7F
		raw[1] = 0x66
		_, err := ParseMCSConnectInitial(raw)
		assert.ErrorIs(t, err, ErrUnexpectedPDU)
	})

	t.Run("missing core block", func(t *testing.T) {
		body := new(bytes.Buffer)
		body.Write(berField(0x04, []byte{0x01}))
		body.Write(berField(0x04, []byte{0x01}))
		body.Write(berField(0x01, []byte{0xFF}))
		for i := 0; i < 3; i++ {
			body.Write(berField(0x30, []byte{0x02, 0x01, 0x22}))
		}
		body.Write(berField(0x04, make([]byte, 64)))

		out := new(bytes.Buffer)
		binary.Write(out, binary.BigEndian, uint16(MCS_TYPE_CONNECT_INITIAL))
		berEncodeLength(out, body.Len())
		body.WriteTo(out)

		_, err := ParseMCSConnectInitial(out.Bytes())
		assert.ErrorIs(t, err, ErrInvalidHeader)
	})

	t.Run("truncated envelope", func(t *testing.T) {
		_, err := ParseMCSConnectInitial(valid[:8])
		assert.ErrorIs(t, err, ErrTruncatedPDU)
	})
}

func TestParseClientNetworkDataChannelLimit(t *testing.T) {
	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, uint32(32))
	_, err := parseClientNetworkData(body.Bytes())
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestParseClientMonitorData(t *testing.T) {
	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, uint32(0)) // flags
	binary.Write(body, binary.LittleEndian, uint32(2)) // count
	for _, m := range []MonitorDef{
		{Left: 0, Top: 0, Right: 1919, Bottom: 1079, Flags: MONITOR_PRIMARY},
		{Left: -1920, Top: 0, Right: -1, Bottom: 1079},
	} {
		for _, v := range []int32{m.Left, m.Top, m.Right, m.Bottom} {
			binary.Write(body, binary.LittleEndian, uint32(v))
		}
		binary.Write(body, binary.LittleEndian, m.Flags)
	}

	monitors, err := parseClientMonitorData(body.Bytes())
	require.NoError(t, err)
	require.Len(t, monitors, 2)
	assert.Equal(t, uint32(MONITOR_PRIMARY), monitors[0].Flags)
	assert.Equal(t, int32(-1920), monitors[1].Left)
}

func TestBuildMCSConnectResponse(t *testing.T) {
	cfg := &MCSConnectResponseConfig{
		ClientRequestedProtocols: PROTOCOL_SSL,
		EncryptionMethod:         ENCRYPTION_METHOD_NONE,
		EncryptionLevel:          ENCRYPTION_LEVEL_NONE,
		IOChannelID:              MCS_CHANNEL_GLOBAL,
		ChannelIDs:               []uint16{1004, 1005, 1006},
		MessageChannelID:         1007,
		SendMultitransport:       true,
		MultitransportFlags:      TRANSPORT_TYPE_UDP_FECR,
	}
	raw := BuildMCSConnectResponse(cfg)

	s := NewStream(raw)
	tag, err := s.ReadUint16BE("tag")
	require.NoError(t, err)
	assert.Equal(t, uint16(MCS_TYPE_CONNECT_RESPONSE), tag)

	length, err := readBERLength(s)
	require.NoError(t, err)
	assert.Equal(t, s.Len(), length, "BER length covers the whole body")

	// The server data blocks are TLVs; locate each by its type.
	findBlock := func(blockType uint16) []byte {
		for i := 0; i+4 <= len(raw); i++ {
			if binary.LittleEndian.Uint16(raw[i:]) == blockType {
				l := int(binary.LittleEndian.Uint16(raw[i+2:]))
				if l >= 4 && i+l <= len(raw) {
					return raw[i+4 : i+l]
				}
			}
		}
		return nil
	}

	core := findBlock(SC_CORE)
	require.NotNil(t, core, "SC_CORE present")
	assert.Equal(t, uint32(PROTOCOL_SSL), binary.LittleEndian.Uint32(core[4:8]),
		"SC_CORE echoes the protocols the client requested")

	sec := findBlock(SC_SECURITY)
	require.NotNil(t, sec, "SC_SECURITY present")
	assert.Equal(t, uint32(ENCRYPTION_METHOD_NONE), binary.LittleEndian.Uint32(sec[0:4]))
	assert.Equal(t, uint32(ENCRYPTION_LEVEL_NONE), binary.LittleEndian.Uint32(sec[4:8]))

	net := findBlock(SC_NET)
	require.NotNil(t, net, "SC_NET present")
	assert.Equal(t, uint16(MCS_CHANNEL_GLOBAL), binary.LittleEndian.Uint16(net[0:2]))
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(net[2:4]))
	assert.Equal(t, uint16(1004), binary.LittleEndian.Uint16(net[4:6]))
	// Odd channel count is padded to keep the block 16-bit aligned.
	assert.Len(t, net, 4+2*3+2)

	msg := findBlock(SC_MCS_MSGCHANNEL)
	require.NotNil(t, msg, "SC_MCS_MSGCHANNEL present")
	assert.Equal(t, uint16(1007), binary.LittleEndian.Uint16(msg[0:2]))

	mt := findBlock(SC_MULTITRANSPORT)
	require.NotNil(t, mt, "SC_MULTITRANSPORT present")
	assert.Equal(t, uint32(TRANSPORT_TYPE_UDP_FECR), binary.LittleEndian.Uint32(mt[0:4]))
}

func TestBuildMCSConnectResponseWithServerSecurity(t *testing.T) {
	random := bytes.Repeat([]byte{0x5A}, 32)
	cert := bytes.Repeat([]byte{0xC3}, 40)
	cfg := &MCSConnectResponseConfig{
		EncryptionMethod:  ENCRYPTION_METHOD_128BIT,
		EncryptionLevel:   ENCRYPTION_LEVEL_CLIENT_COMPATIBLE,
		ServerRandom:      random,
		ServerCertificate: cert,
		IOChannelID:       MCS_CHANNEL_GLOBAL,
	}
	raw := BuildMCSConnectResponse(cfg)

	idx := bytes.Index(raw, []byte{byte(SC_SECURITY & 0xFF), byte(SC_SECURITY >> 8)})
	require.GreaterOrEqual(t, idx, 0)
	body := raw[idx+4:]

	assert.Equal(t, uint32(ENCRYPTION_METHOD_128BIT), binary.LittleEndian.Uint32(body[0:4]))
	assert.Equal(t, uint32(32), binary.LittleEndian.Uint32(body[8:12]), "serverRandomLen")
	assert.Equal(t, uint32(40), binary.LittleEndian.Uint32(body[12:16]), "serverCertLen")
	assert.Equal(t, random, body[16:48])
	assert.Equal(t, cert, body[48:88])
}

func TestMCSDomainPDUs(t *testing.T) {
	assert.NoError(t, ParseMCSErectDomainRequest([]byte{MCS_ERECT_DOMAIN_REQUEST << 2, 0x00, 0x00}))
	assert.ErrorIs(t, ParseMCSErectDomainRequest([]byte{MCS_ATTACH_USER_REQUEST << 2}), ErrUnexpectedPDU)
	assert.ErrorIs(t, ParseMCSErectDomainRequest(nil), ErrTruncatedPDU)

	assert.NoError(t, ParseMCSAttachUserRequest([]byte{MCS_ATTACH_USER_REQUEST << 2}))
	assert.ErrorIs(t, ParseMCSAttachUserRequest([]byte{MCS_ERECT_DOMAIN_REQUEST << 2}), ErrUnexpectedPDU)
}

func TestMCSAttachUserConfirm(t *testing.T) {
	raw := BuildMCSAttachUserConfirm(1002)
	assert.Equal(t, []byte{MCS_ATTACH_USER_CONFIRM<<2 | 0x02, 0x00, 0x00, 0x01}, raw,
		"initiator is PER-encoded against the 1001 base")
}

func TestMCSChannelJoinRoundTrip(t *testing.T) {
	// Request as a client writes it: choice, PER initiator, channel id.
	req := []byte{MCS_CHANNEL_JOIN_REQUEST << 2, 0x00, 0x01, 0x03, 0xEC}
	join, err := ParseMCSChannelJoinRequest(req)
	require.NoError(t, err)
	assert.Equal(t, uint16(1002), join.Initiator)
	assert.Equal(t, uint16(1004), join.ChannelID)

	confirm := BuildMCSChannelJoinConfirm(join.Initiator, join.ChannelID)
	assert.Equal(t, []byte{
		MCS_CHANNEL_JOIN_CONFIRM<<2 | 0x02,
		0x00,       // rt-successful
		0x00, 0x01, // initiator 1002
		0x03, 0xEC, // requested
		0x03, 0xEC, // joined
	}, confirm)
}

func TestMCSSendDataRequestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 300)

	// Client-side send-data-request framing mirrors the server's
	// indication apart from the choice byte.
	buf := new(bytes.Buffer)
	buf.WriteByte(MCS_SEND_DATA_REQUEST << 2)
	perWriteInteger16(buf, 1002, MCS_CHANNEL_USER_BASE)
	binary.Write(buf, binary.BigEndian, uint16(MCS_CHANNEL_GLOBAL))
	buf.WriteByte(0x70)
	perWriteLength(buf, len(payload))
	buf.Write(payload)

	req, err := ParseMCSSendDataRequest(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint16(1002), req.Initiator)
	assert.Equal(t, uint16(MCS_CHANNEL_GLOBAL), req.ChannelID)
	assert.Equal(t, payload, req.Data)
}

func TestMCSSendDataRequestDisconnect(t *testing.T) {
	raw := BuildMCSDisconnectUltimatum(DISCONNECT_REASON_USER_REQUESTED)
	_, err := ParseMCSSendDataRequest(raw)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMCSSendDataRequestErrors(t *testing.T) {
	_, err := ParseMCSSendDataRequest([]byte{MCS_ATTACH_USER_REQUEST << 2})
	assert.ErrorIs(t, err, ErrUnexpectedPDU)

	// Declared length longer than the remaining payload.
	buf := new(bytes.Buffer)
	buf.WriteByte(MCS_SEND_DATA_REQUEST << 2)
	perWriteInteger16(buf, 1002, MCS_CHANNEL_USER_BASE)
	binary.Write(buf, binary.BigEndian, uint16(MCS_CHANNEL_GLOBAL))
	buf.WriteByte(0x70)
	perWriteLength(buf, 50)
	buf.Write([]byte{0x01, 0x02})

	_, err = ParseMCSSendDataRequest(buf.Bytes())
	assert.ErrorIs(t, err, ErrTruncatedPDU)
}

func TestBuildMCSSendDataIndication(t *testing.T) {
	raw := BuildMCSSendDataIndication(1002, MCS_CHANNEL_GLOBAL, []byte{0xAA, 0xBB})
	assert.Equal(t, []byte{
		MCS_SEND_DATA_INDICATION << 2,
		0x00, 0x01, // initiator 1002
		0x03, 0xEB, // channel 1003
		0x70, // priority, segmentation begin|end
		0x02, // PER length
		0xAA, 0xBB,
	}, raw)
}

func TestPERLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 300, 16000} {
		buf := new(bytes.Buffer)
		perWriteLength(buf, n)
		got, err := perReadLength(NewStream(buf.Bytes()), "length")
		require.NoError(t, err)
		assert.Equal(t, n, got, "length %d", n)
	}
}

func TestDecodeUTF16Z(t *testing.T) {
	raw := []byte{'H', 0, 'i', 0, 0, 0, 'x', 0}
	assert.Equal(t, "Hi", decodeUTF16Z(raw))
	assert.Equal(t, "", decodeUTF16Z(nil))
}
