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
	"io"
	"strings"
	"unicode/utf16"
)

// MCS layer (ITU-T T.125) as profiled by MS-RDPBCGR: BER for the
// Connect-Initial/Connect-Response pair, aligned PER for everything
// after it.

func berEncodeLength(w io.Writer, length int) error {
	if length < 128 {
		return binary.Write(w, binary.BigEndian, uint8(length))
	}
	if length < 256 {
		binary.Write(w, binary.BigEndian, uint8(0x81))
		return binary.Write(w, binary.BigEndian, uint8(length))
	}
	binary.Write(w, binary.BigEndian, uint8(0x82))
	return binary.Write(w, binary.BigEndian, uint16(length))
}

func readBERLength(s *Stream) (int, error) {
	lenByte, err := s.ReadUint8("BER length")
	if err != nil {
		return 0, err
	}
	if lenByte&0x80 == 0 {
		return int(lenByte), nil
	}
	lenBytes := int(lenByte & 0x7F)
	if lenBytes == 0 || lenBytes > 2 {
		return 0, fmt.Errorf("BER length of length %d: %w", lenBytes, ErrInvalidHeader)
	}
	buf, err := s.ReadBytes(lenBytes, "BER long-form length")
	if err != nil {
		return 0, err
	}
	if lenBytes == 1 {
		return int(buf[0]), nil
	}
	return int(binary.BigEndian.Uint16(buf)), nil
}

// readBERField checks tag, then returns the field contents.
func readBERField(s *Stream, tag uint8, what string) ([]byte, error) {
	got, err := s.ReadUint8(what + " tag")
	if err != nil {
		return nil, err
	}
	if got != tag {
		return nil, fmt.Errorf("%s: BER tag 0x%02X, want 0x%02X: %w", what, got, tag, ErrInvalidHeader)
	}
	length, err := readBERLength(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return s.ReadBytes(length, what)
}

// perWriteInteger16 writes a constrained INTEGER (aligned PER) with the
// given lower bound.
func perWriteInteger16(w io.Writer, value, min uint16) {
	binary.Write(w, binary.BigEndian, value-min)
}

func perReadInteger16(s *Stream, min uint16, what string) (uint16, error) {
	v, err := s.ReadUint16BE(what)
	if err != nil {
		return 0, err
	}
	return v + min, nil
}

// perWriteLength writes a PER length determinant, always using the
// 2-byte form for lengths >= 128.
func perWriteLength(w io.Writer, length int) {
	if length < 128 {
		binary.Write(w, binary.BigEndian, uint8(length))
		return
	}
	binary.Write(w, binary.BigEndian, uint16(length)|0x8000)
}

func perReadLength(s *Stream, what string) (int, error) {
	b, err := s.ReadUint8(what)
	if err != nil {
		return 0, err
	}
	if b&0x80 == 0 {
		return int(b), nil
	}
	b2, err := s.ReadUint8(what + " low byte")
	if err != nil {
		return 0, err
	}
	return int(b&0x7F)<<8 | int(b2), nil
}

// ChannelDef is one static virtual channel announced in the client
// network data (TS_UD_CS_NET).
type ChannelDef struct {
	Name    string
	Options uint32
}

// ClientCoreData is the parsed TS_UD_CS_CORE (MS-RDPBCGR 2.2.1.3.2).
// Fields past imeFileName are optional on the wire; absent ones are zero.
type ClientCoreData struct {
	Version              uint32
	DesktopWidth         uint16
	DesktopHeight        uint16
	ColorDepth           uint16
	KeyboardLayout       uint32
	ClientBuild          uint32
	ClientName           string
	KeyboardType         uint32
	HighColorDepth       uint16
	SupportedColorDepths uint16
	EarlyCapabilityFlags uint16
	ConnectionType       uint8
	SelectedProtocol     uint32
}

// Early capability flags (MS-RDPBCGR 2.2.1.3.2)
const (
	RNS_UD_CS_SUPPORT_ERRINFO_PDU        = 0x0001
	RNS_UD_CS_SUPPORT_NETCHAR_AUTODETECT = 0x0080
	RNS_UD_CS_SUPPORT_MONITOR_LAYOUT_PDU = 0x0040
	RNS_UD_CS_SUPPORT_HEARTBEAT_PDU      = 0x0400
)

// ClientSecurityData is the parsed TS_UD_CS_SEC.
type ClientSecurityData struct {
	EncryptionMethods    uint32
	ExtEncryptionMethods uint32
}

// ClientNetworkData is the parsed TS_UD_CS_NET.
type ClientNetworkData struct {
	Channels []ChannelDef
}

// ClientClusterData is the parsed TS_UD_CS_CLUSTER.
type ClientClusterData struct {
	Flags               uint32
	RedirectedSessionID uint32
}

// Cluster flags (MS-RDPBCGR 2.2.1.3.5)
const (
	REDIRECTION_SUPPORTED            = 0x00000001
	REDIRECTED_SESSIONID_FIELD_VALID = 0x00000002
	REDIRECTED_SMARTCARD             = 0x00000040
)

// MonitorDef is one entry of TS_UD_CS_MONITOR.
type MonitorDef struct {
	Left, Top, Right, Bottom int32
	Flags                    uint32
}

// TS_MONITOR_DEF flags
const MONITOR_PRIMARY = 0x00000001

// GCCClientData aggregates every client user-data block found in the
// MCS Connect-Initial. Optional blocks are nil when absent.
type GCCClientData struct {
	Core                *ClientCoreData
	Security            *ClientSecurityData
	Network             *ClientNetworkData
	Cluster             *ClientClusterData
	Monitors            []MonitorDef
	MessageChannel      bool
	MsgChannelFlags     uint32
	Multitransport      bool
	MultitransportFlags uint32
}

// SupportsAutoDetect reports whether the client advertised connect-time
// network characteristics detection.
func (g *GCCClientData) SupportsAutoDetect() bool {
	return g.Core != nil && g.Core.EarlyCapabilityFlags&RNS_UD_CS_SUPPORT_NETCHAR_AUTODETECT != 0
}

// SupportsMonitorLayout reports whether the client accepts the server
// monitor layout PDU during the capability exchange.
func (g *GCCClientData) SupportsMonitorLayout() bool {
	return g.Core != nil && g.Core.EarlyCapabilityFlags&RNS_UD_CS_SUPPORT_MONITOR_LAYOUT_PDU != 0
}

// ParseMCSConnectInitial unwraps the BER Connect-Initial envelope down
// to its userData octet string, then parses the GCC conference create
// request it carries.
func ParseMCSConnectInitial(data []byte) (*GCCClientData, error) {
	s := NewStream(data)

	tag, err := s.ReadUint16BE("MCS Connect-Initial tag")
	if err != nil {
		return nil, err
	}
	if tag != MCS_TYPE_CONNECT_INITIAL {
		return nil, fmt.Errorf("MCS tag 0x%04X, want Connect-Initial 0x%04X: %w",
			tag, MCS_TYPE_CONNECT_INITIAL, ErrUnexpectedPDU)
	}
	if _, err := readBERLength(s); err != nil {
		return nil, fmt.Errorf("MCS Connect-Initial: %w", err)
	}

	if _, err := readBERField(s, 0x04, "callingDomainSelector"); err != nil {
		return nil, err
	}
	if _, err := readBERField(s, 0x04, "calledDomainSelector"); err != nil {
		return nil, err
	}
	if _, err := readBERField(s, 0x01, "upwardFlag"); err != nil {
		return nil, err
	}
	for _, p := range []string{"targetParameters", "minimumParameters", "maximumParameters"} {
		if _, err := readBERField(s, 0x30, p); err != nil {
			return nil, err
		}
	}

	userData, err := readBERField(s, 0x04, "Connect-Initial userData")
	if err != nil {
		return nil, err
	}

	return parseGCCConferenceCreateRequest(userData)
}

// parseGCCConferenceCreateRequest locates the client core data block in
// the T.124 envelope and walks the TLV user data blocks from there. The
// PER conference wrapper varies between clients, so the block scan is
// anchored on the mandatory CS_CORE header instead of decoding the full
// T.124 structure.
func parseGCCConferenceCreateRequest(data []byte) (*GCCClientData, error) {
	offset := -1
	for i := 0; i+4 <= len(data); i++ {
		if binary.LittleEndian.Uint16(data[i:]) == CS_CORE {
			l := int(binary.LittleEndian.Uint16(data[i+2:]))
			if l >= 8 && i+l <= len(data) {
				offset = i
				break
			}
		}
	}
	if offset == -1 {
		return nil, fmt.Errorf("client core data block not found in conference create request: %w", ErrInvalidHeader)
	}

	out := &GCCClientData{}
	s := NewStream(data[offset:])

	for s.Len() >= 4 {
		blockType, _ := s.ReadUint16LE("user data block type")
		blockLen, _ := s.ReadUint16LE("user data block length")
		if blockLen < 4 {
			return nil, fmt.Errorf("user data block 0x%04X length %d: %w", blockType, blockLen, ErrInvalidHeader)
		}
		body, err := s.ReadBytes(int(blockLen)-4, "user data block body")
		if err != nil {
			return nil, err
		}

		switch blockType {
		case CS_CORE:
			if out.Core, err = parseClientCoreData(body); err != nil {
				return nil, err
			}
		case CS_SECURITY:
			if out.Security, err = parseClientSecurityData(body); err != nil {
				return nil, err
			}
		case CS_NET:
			if out.Network, err = parseClientNetworkData(body); err != nil {
				return nil, err
			}
		case CS_CLUSTER:
			if out.Cluster, err = parseClientClusterData(body); err != nil {
				return nil, err
			}
		case CS_MONITOR:
			if out.Monitors, err = parseClientMonitorData(body); err != nil {
				return nil, err
			}
		case CS_MCS_MSGCHANNEL:
			if len(body) >= 4 {
				out.MessageChannel = true
				out.MsgChannelFlags = binary.LittleEndian.Uint32(body)
			}
		case CS_MULTITRANSPORT:
			if len(body) >= 4 {
				out.Multitransport = true
				out.MultitransportFlags = binary.LittleEndian.Uint32(body)
			}
		default:
			// Unknown client blocks are skipped, not fatal.
		}
	}

	if out.Core == nil {
		return nil, fmt.Errorf("conference create request missing core data: %w", ErrInvalidHeader)
	}
	return out, nil
}

func parseClientCoreData(body []byte) (*ClientCoreData, error) {
	s := NewStream(body)
	c := &ClientCoreData{}
	var err error

	if c.Version, err = s.ReadUint32LE("core version"); err != nil {
		return nil, err
	}
	if c.DesktopWidth, err = s.ReadUint16LE("desktopWidth"); err != nil {
		return nil, err
	}
	if c.DesktopHeight, err = s.ReadUint16LE("desktopHeight"); err != nil {
		return nil, err
	}
	if c.ColorDepth, err = s.ReadUint16LE("colorDepth"); err != nil {
		return nil, err
	}
	if err = s.Skip(2, "SASSequence"); err != nil {
		return nil, err
	}
	if c.KeyboardLayout, err = s.ReadUint32LE("keyboardLayout"); err != nil {
		return nil, err
	}
	if c.ClientBuild, err = s.ReadUint32LE("clientBuild"); err != nil {
		return nil, err
	}
	name, err := s.ReadBytes(32, "clientName")
	if err != nil {
		return nil, err
	}
	c.ClientName = decodeUTF16Z(name)
	if c.KeyboardType, err = s.ReadUint32LE("keyboardType"); err != nil {
		return nil, err
	}
	if err = s.Skip(4+4+64, "keyboard subtype, function keys, imeFileName"); err != nil {
		return nil, err
	}

	// Everything below is optional; clients stop at any field boundary.
	if s.Len() < 2 {
		return c, nil
	}
	s.Skip(2, "postBeta2ColorDepth")
	if s.Len() < 2 {
		return c, nil
	}
	s.Skip(2, "clientProductId")
	if s.Len() < 4 {
		return c, nil
	}
	s.Skip(4, "serialNumber")
	if s.Len() < 2 {
		return c, nil
	}
	c.HighColorDepth, _ = s.ReadUint16LE("highColorDepth")
	if s.Len() < 2 {
		return c, nil
	}
	c.SupportedColorDepths, _ = s.ReadUint16LE("supportedColorDepths")
	if s.Len() < 2 {
		return c, nil
	}
	c.EarlyCapabilityFlags, _ = s.ReadUint16LE("earlyCapabilityFlags")
	if s.Len() < 64 {
		return c, nil
	}
	s.Skip(64, "clientDigProductId")
	if s.Len() < 2 {
		return c, nil
	}
	c.ConnectionType, _ = s.ReadUint8("connectionType")
	s.Skip(1, "pad1octet")
	if s.Len() < 4 {
		return c, nil
	}
	c.SelectedProtocol, _ = s.ReadUint32LE("serverSelectedProtocol")
	return c, nil
}

func parseClientSecurityData(body []byte) (*ClientSecurityData, error) {
	s := NewStream(body)
	d := &ClientSecurityData{}
	var err error
	if d.EncryptionMethods, err = s.ReadUint32LE("encryptionMethods"); err != nil {
		return nil, err
	}
	if d.ExtEncryptionMethods, err = s.ReadUint32LE("extEncryptionMethods"); err != nil {
		return nil, err
	}
	return d, nil
}

func parseClientNetworkData(body []byte) (*ClientNetworkData, error) {
	s := NewStream(body)
	count, err := s.ReadUint32LE("channelCount")
	if err != nil {
		return nil, err
	}
	// 31 static channels is the protocol maximum (MS-RDPBCGR 2.2.1.3.4).
	if count > 31 {
		return nil, fmt.Errorf("channelCount %d exceeds protocol maximum 31: %w", count, ErrInvalidHeader)
	}
	d := &ClientNetworkData{Channels: make([]ChannelDef, 0, count)}
	for i := uint32(0); i < count; i++ {
		raw, err := s.ReadBytes(8, "channel name")
		if err != nil {
			return nil, err
		}
		options, err := s.ReadUint32LE("channel options")
		if err != nil {
			return nil, err
		}
		name := strings.TrimRight(string(raw), "\x00")
		d.Channels = append(d.Channels, ChannelDef{Name: name, Options: options})
	}
	return d, nil
}

func parseClientClusterData(body []byte) (*ClientClusterData, error) {
	s := NewStream(body)
	d := &ClientClusterData{}
	var err error
	if d.Flags, err = s.ReadUint32LE("cluster flags"); err != nil {
		return nil, err
	}
	if d.RedirectedSessionID, err = s.ReadUint32LE("redirectedSessionID"); err != nil {
		return nil, err
	}
	return d, nil
}

func parseClientMonitorData(body []byte) ([]MonitorDef, error) {
	s := NewStream(body)
	if err := s.Skip(4, "monitor flags"); err != nil {
		return nil, err
	}
	count, err := s.ReadUint32LE("monitorCount")
	if err != nil {
		return nil, err
	}
	if count > 16 {
		return nil, fmt.Errorf("monitorCount %d exceeds protocol maximum 16: %w", count, ErrInvalidHeader)
	}
	monitors := make([]MonitorDef, 0, count)
	for i := uint32(0); i < count; i++ {
		var m MonitorDef
		for _, f := range []*int32{&m.Left, &m.Top, &m.Right, &m.Bottom} {
			v, err := s.ReadUint32LE("monitor rect")
			if err != nil {
				return nil, err
			}
			*f = int32(v)
		}
		if m.Flags, err = s.ReadUint32LE("monitor flags"); err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, nil
}

func decodeUTF16Z(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		v := binary.LittleEndian.Uint16(b[i:])
		if v == 0 {
			break
		}
		u = append(u, v)
	}
	return string(utf16.Decode(u))
}

// MCSConnectResponseConfig carries everything the Connect-Response
// needs: the protocol echo, the security block, and the channel ids the
// server allocated for the client's network data.
type MCSConnectResponseConfig struct {
	ClientRequestedProtocols uint32
	EncryptionMethod         uint32
	EncryptionLevel          uint32
	ServerRandom             []byte
	ServerCertificate        []byte
	IOChannelID              uint16
	ChannelIDs               []uint16
	MessageChannelID         uint16 // 0 when the client sent no CS_MCS_MSGCHANNEL
	MultitransportFlags      uint32
	SendMultitransport       bool
}

// BuildMCSConnectResponse builds the BER Connect-Response carrying the
// GCC conference create response with the server data blocks.
func BuildMCSConnectResponse(cfg *MCSConnectResponseConfig) []byte {
	gcc := buildGCCConferenceCreateResponse(cfg)

	body := new(bytes.Buffer)
	body.Write([]byte{0x0A, 0x01, 0x00}) // result: rt-successful
	body.Write([]byte{0x02, 0x01, 0x00}) // calledConnectId

	// Domain parameters echo the values every RDP server uses.
	body.Write([]byte{0x30, 0x1A})
	body.Write([]byte{0x02, 0x01, 0x22})             // maxChannelIds
	body.Write([]byte{0x02, 0x01, 0x03})             // maxUserIds
	body.Write([]byte{0x02, 0x01, 0x00})             // maxTokenIds
	body.Write([]byte{0x02, 0x01, 0x01})             // numPriorities
	body.Write([]byte{0x02, 0x01, 0x00})             // minThroughput
	body.Write([]byte{0x02, 0x01, 0x01})             // maxHeight
	body.Write([]byte{0x02, 0x03, 0x00, 0xFF, 0xF8}) // maxMCSPDUsize
	body.Write([]byte{0x02, 0x01, 0x02})             // protocolVersion

	body.WriteByte(0x04)
	berEncodeLength(body, len(gcc))
	body.Write(gcc)

	out := new(bytes.Buffer)
	binary.Write(out, binary.BigEndian, uint16(MCS_TYPE_CONNECT_RESPONSE))
	berEncodeLength(out, body.Len())
	body.WriteTo(out)
	return out.Bytes()
}

func buildGCCConferenceCreateResponse(cfg *MCSConnectResponseConfig) []byte {
	blocks := new(bytes.Buffer)
	blocks.Write(buildSCCore(cfg.ClientRequestedProtocols))
	blocks.Write(buildSCSecurity(cfg))
	blocks.Write(buildSCNet(cfg.IOChannelID, cfg.ChannelIDs))
	if cfg.MessageChannelID != 0 {
		blocks.Write(buildSCMsgChannel(cfg.MessageChannelID))
	}
	if cfg.SendMultitransport {
		blocks.Write(buildSCMultitransport(cfg.MultitransportFlags))
	}

	buf := new(bytes.Buffer)
	// ConnectData wrapper (T.124 aligned PER)
	buf.WriteByte(0x00)                             // choice: object
	buf.WriteByte(0x05)                             // object length
	buf.Write([]byte{0x00, 0x14, 0x7C, 0x00, 0x01}) // OID 0.0.20.124.0.1

	inner := new(bytes.Buffer)
	inner.WriteByte(0x14)                                   // conferenceCreateResponse + extension bit
	perWriteInteger16(inner, 0x79F3, MCS_CHANNEL_USER_BASE) // nodeID
	inner.Write([]byte{0x01, 0x00})                         // tag (1 byte length + value)
	inner.WriteByte(0x00)                                   // result: success
	inner.WriteByte(0x01)                                   // one user data set
	inner.WriteByte(0xC0)                                   // h221NonStandard
	inner.WriteByte(0x00)                                   // object length padding
	inner.Write([]byte{'M', 'c', 'D', 'n'})                 // H.221 server key
	perWriteLength(inner, blocks.Len())
	blocks.WriteTo(inner)

	perWriteLength(buf, inner.Len())
	inner.WriteTo(buf)
	return buf.Bytes()
}

func buildSCCore(clientRequestedProtocols uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(SC_CORE))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	binary.Write(buf, binary.LittleEndian, uint32(0x00080004)) // RDP 8.1+
	binary.Write(buf, binary.LittleEndian, clientRequestedProtocols)
	binary.Write(buf, binary.LittleEndian, uint32(0)) // earlyCapabilityFlags
	return buf.Bytes()
}

func buildSCSecurity(cfg *MCSConnectResponseConfig) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(SC_SECURITY))

	if cfg.EncryptionMethod == ENCRYPTION_METHOD_NONE {
		binary.Write(buf, binary.LittleEndian, uint16(12))
		binary.Write(buf, binary.LittleEndian, cfg.EncryptionMethod)
		binary.Write(buf, binary.LittleEndian, cfg.EncryptionLevel)
		return buf.Bytes()
	}

	total := 4 + 4 + 4 + 4 + 4 + len(cfg.ServerRandom) + len(cfg.ServerCertificate)
	binary.Write(buf, binary.LittleEndian, uint16(total))
	binary.Write(buf, binary.LittleEndian, cfg.EncryptionMethod)
	binary.Write(buf, binary.LittleEndian, cfg.EncryptionLevel)
	binary.Write(buf, binary.LittleEndian, uint32(len(cfg.ServerRandom)))
	binary.Write(buf, binary.LittleEndian, uint32(len(cfg.ServerCertificate)))
	buf.Write(cfg.ServerRandom)
	buf.Write(cfg.ServerCertificate)
	return buf.Bytes()
}

func buildSCNet(ioChannelID uint16, channelIDs []uint16) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(SC_NET))

	pad := len(channelIDs) % 2
	binary.Write(buf, binary.LittleEndian, uint16(8+2*(len(channelIDs)+pad)))
	binary.Write(buf, binary.LittleEndian, ioChannelID)
	binary.Write(buf, binary.LittleEndian, uint16(len(channelIDs)))
	for _, id := range channelIDs {
		binary.Write(buf, binary.LittleEndian, id)
	}
	if pad != 0 {
		binary.Write(buf, binary.LittleEndian, uint16(0))
	}
	return buf.Bytes()
}

func buildSCMsgChannel(channelID uint16) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(SC_MCS_MSGCHANNEL))
	binary.Write(buf, binary.LittleEndian, uint16(6))
	binary.Write(buf, binary.LittleEndian, channelID)
	return buf.Bytes()
}

func buildSCMultitransport(flags uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(SC_MULTITRANSPORT))
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, flags)
	return buf.Bytes()
}

// ParseMCSErectDomainRequest checks the domain MCSPDU choice; the two
// integer parameters are irrelevant to RDP and skipped.
func ParseMCSErectDomainRequest(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("erect domain request empty: %w", ErrTruncatedPDU)
	}
	if data[0]>>2 != MCS_ERECT_DOMAIN_REQUEST {
		return fmt.Errorf("MCSPDU choice 0x%02X, want erect-domain-request: %w", data[0]>>2, ErrUnexpectedPDU)
	}
	return nil
}

// ParseMCSAttachUserRequest checks the domain MCSPDU choice.
func ParseMCSAttachUserRequest(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("attach user request empty: %w", ErrTruncatedPDU)
	}
	if data[0]>>2 != MCS_ATTACH_USER_REQUEST {
		return fmt.Errorf("MCSPDU choice 0x%02X, want attach-user-request: %w", data[0]>>2, ErrUnexpectedPDU)
	}
	return nil
}

// BuildMCSAttachUserConfirm builds the confirm with rt-successful and
// the initiator user id (encoded PER-constrained against 1001).
func BuildMCSAttachUserConfirm(userID uint16) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(MCS_ATTACH_USER_CONFIRM<<2 | 0x02) // initiator present
	buf.WriteByte(0x00)                              // result: rt-successful
	perWriteInteger16(buf, userID, MCS_CHANNEL_USER_BASE)
	return buf.Bytes()
}

// ChannelJoinRequest is a parsed channel join request.
type ChannelJoinRequest struct {
	Initiator uint16
	ChannelID uint16
}

// ParseMCSChannelJoinRequest decodes initiator and requested channel id.
func ParseMCSChannelJoinRequest(data []byte) (*ChannelJoinRequest, error) {
	s := NewStream(data)
	choice, err := s.ReadUint8("channel join request choice")
	if err != nil {
		return nil, err
	}
	if choice>>2 != MCS_CHANNEL_JOIN_REQUEST {
		return nil, fmt.Errorf("MCSPDU choice 0x%02X, want channel-join-request: %w", choice>>2, ErrUnexpectedPDU)
	}
	req := &ChannelJoinRequest{}
	if req.Initiator, err = perReadInteger16(s, MCS_CHANNEL_USER_BASE, "join initiator"); err != nil {
		return nil, err
	}
	if req.ChannelID, err = s.ReadUint16BE("join channelId"); err != nil {
		return nil, err
	}
	return req, nil
}

// BuildMCSChannelJoinConfirm confirms a join with rt-successful.
func BuildMCSChannelJoinConfirm(initiator, channelID uint16) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(MCS_CHANNEL_JOIN_CONFIRM<<2 | 0x02) // channelId present
	buf.WriteByte(0x00)                               // result: rt-successful
	perWriteInteger16(buf, initiator, MCS_CHANNEL_USER_BASE)
	binary.Write(buf, binary.BigEndian, channelID) // requested
	binary.Write(buf, binary.BigEndian, channelID) // joined
	return buf.Bytes()
}

// SendDataRequest is a parsed MCS send-data-request carrying one
// upper-layer payload addressed to a channel.
type SendDataRequest struct {
	Initiator uint16
	ChannelID uint16
	Data      []byte
}

// ParseMCSSendDataRequest decodes the domain PDU header around client
// payload data. A disconnect-provider-ultimatum is reported as
// (nil, ErrClosed) so the caller can treat it as an orderly close.
func ParseMCSSendDataRequest(data []byte) (*SendDataRequest, error) {
	s := NewStream(data)
	choice, err := s.ReadUint8("MCS domain PDU choice")
	if err != nil {
		return nil, err
	}

	switch choice >> 2 {
	case MCS_SEND_DATA_REQUEST:
	case MCS_DISCONNECT_ULTIMATUM:
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("MCSPDU choice 0x%02X, want send-data-request: %w", choice>>2, ErrUnexpectedPDU)
	}

	req := &SendDataRequest{}
	if req.Initiator, err = perReadInteger16(s, MCS_CHANNEL_USER_BASE, "send data initiator"); err != nil {
		return nil, err
	}
	if req.ChannelID, err = s.ReadUint16BE("send data channelId"); err != nil {
		return nil, err
	}
	if err = s.Skip(1, "dataPriority and segmentation"); err != nil {
		return nil, err
	}
	length, err := perReadLength(s, "send data length")
	if err != nil {
		return nil, err
	}
	if req.Data, err = s.ReadBytes(length, "send data payload"); err != nil {
		return nil, err
	}
	return req, nil
}

// BuildMCSSendDataIndication wraps a server payload for one channel.
func BuildMCSSendDataIndication(initiator, channelID uint16, data []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(MCS_SEND_DATA_INDICATION << 2)
	perWriteInteger16(buf, initiator, MCS_CHANNEL_USER_BASE)
	binary.Write(buf, binary.BigEndian, channelID)
	buf.WriteByte(0x70) // priority 1, segmentation begin|end
	perWriteLength(buf, len(data))
	buf.Write(data)
	return buf.Bytes()
}

// BuildMCSDisconnectUltimatum builds the orderly-close PDU.
func BuildMCSDisconnectUltimatum(reason uint8) []byte {
	// Choice (6 bits) + reason (3 bits) packed across two bytes.
	b0 := byte(MCS_DISCONNECT_ULTIMATUM<<2) | (reason>>1)&0x03
	b1 := (reason & 0x01) << 7
	return []byte{b0, b1}
}
