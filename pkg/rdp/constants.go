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

// RDP Protocol Constants with RFC/MS-RDPBCGR references

// Default RDP port as per MS-RDPBCGR section 2.2.1.1
const DefaultRDPPort = 3389

// TPKT Header Constants (RFC 1006)
const (
	TPKTVersion    = 3 // RFC 1006 section 6
	TPKTHeaderSize = 4 // Version(1) + Reserved(1) + Length(2)
)

// X.224 Connection Request/Response Constants (ITU-T X.224)
const (
	// TPDU Codes (ITU-T X.224 Table 13)
	X224_TPDU_CONNECTION_REQUEST = 0xE0 // CR - Connection Request
	X224_TPDU_CONNECTION_CONFIRM = 0xD0 // CC - Connection Confirm
	X224_TPDU_DATA               = 0xF0 // DT - Data

	// Fixed header size for CR TPDU: LI(1) + Code(1) + DST-REF(2) + SRC-REF(2) + Class(1)
	X224_CR_FIXED_SIZE = 7

	// X.224 Data TPDU header: LI(1) + Code(1) + EOT(1)
	X224_DATA_HEADER_SIZE = 3
)

// RDP Negotiation (MS-RDPBCGR 2.2.1.1.1 / 2.2.1.2.1)
const (
	TYPE_RDP_NEG_REQ     = 0x01
	TYPE_RDP_NEG_RSP     = 0x02
	TYPE_RDP_NEG_FAILURE = 0x03

	PROTOCOL_RDP       = 0x00000000
	PROTOCOL_SSL       = 0x00000001
	PROTOCOL_HYBRID    = 0x00000002
	PROTOCOL_RDSTLS    = 0x00000004
	PROTOCOL_HYBRID_EX = 0x00000008

	// Local marker for a failed negotiation, never sent on the wire.
	PROTOCOL_FAILED_NEGO = 0x80000000

	// RDP Negotiation Failure codes (MS-RDPBCGR 2.2.1.2.2)
	SSL_REQUIRED_BY_SERVER    = 0x00000001
	SSL_NOT_ALLOWED_BY_SERVER = 0x00000002
	SSL_CERT_NOT_ON_SERVER    = 0x00000003
	INCONSISTENT_FLAGS        = 0x00000004
	HYBRID_REQUIRED_BY_SERVER = 0x00000005
)

// MCS Protocol Constants (ITU-T T.125)
const (
	// MCS PDU Types (T.125 section 11.1)
	MCS_TYPE_CONNECT_INITIAL  = 0x7F65
	MCS_TYPE_CONNECT_RESPONSE = 0x7F66

	// Channel IDs
	MCS_CHANNEL_GLOBAL    = 1003 // MS-RDPBCGR section 2.2.1.3.2
	MCS_CHANNEL_USER_BASE = 1001 // User channel base

	// First dynamically assigned channel id for static virtual channels
	MCS_CHANNEL_STATIC_BASE = 1004

	// Domain MCSPDU choice values (T.125, upper 6 bits of the first byte)
	MCS_ERECT_DOMAIN_REQUEST = 0x01
	MCS_DISCONNECT_ULTIMATUM = 0x08
	MCS_ATTACH_USER_REQUEST  = 0x0A
	MCS_ATTACH_USER_CONFIRM  = 0x0B
	MCS_CHANNEL_JOIN_REQUEST = 0x0E
	MCS_CHANNEL_JOIN_CONFIRM = 0x0F
	MCS_SEND_DATA_REQUEST    = 0x19
	MCS_SEND_DATA_INDICATION = 0x1A

	// Disconnect-Provider-Ultimatum reasons (T.125)
	DISCONNECT_REASON_PROVIDER_INITIATED = 1
	DISCONNECT_REASON_USER_REQUESTED     = 3
)

// T.124 GCC Constants
const (
	// Conference Create Request/Response
	GCC_CONFERENCE_CREATE_REQUEST  = 0x00
	GCC_CONFERENCE_CREATE_RESPONSE = 0x14
)

// GCC user data block types (MS-RDPBCGR 2.2.1.3 / 2.2.1.4)
const (
	CS_CORE           = 0xC001
	CS_SECURITY       = 0xC002
	CS_NET            = 0xC003
	CS_CLUSTER        = 0xC004
	CS_MONITOR        = 0xC005
	CS_MCS_MSGCHANNEL = 0xC006
	CS_MULTITRANSPORT = 0xC00A

	SC_CORE           = 0x0C01
	SC_SECURITY       = 0x0C02
	SC_NET            = 0x0C03
	SC_MCS_MSGCHANNEL = 0x0C04
	SC_MULTITRANSPORT = 0x0C08
)

// RDP Protocol Constants (MS-RDPBCGR)
const (
	// RDP PDU Types (MS-RDPBCGR section 2.2.8.1.1.1.1)
	PDUTYPE_DEMANDACTIVEPDU  = 0x11
	PDUTYPE_CONFIRMACTIVEPDU = 0x13
	PDUTYPE_DEACTIVATEALLPDU = 0x16
	PDUTYPE_DATAPDU          = 0x17
	PDUTYPE_SERVER_REDIR_PKT = 0x1A

	// Flow PDUs predate share control versioning (T.128 8.5)
	PDUTYPE_FLOW_TEST     = 0x41
	PDUTYPE_FLOW_RESPONSE = 0x42
	PDUTYPE_FLOW_STOP     = 0x43

	// Protocol version bits OR'd into the pduType field
	SHARE_CONTROL_VERSION = 0x0010

	// Data PDU Types (MS-RDPBCGR section 2.2.8.1.1.1.2)
	PDUTYPE2_UPDATE                      = 0x02
	PDUTYPE2_CONTROL                     = 0x14
	PDUTYPE2_POINTER                     = 0x1B
	PDUTYPE2_INPUT                       = 0x1C
	PDUTYPE2_SYNCHRONIZE                 = 0x1F
	PDUTYPE2_REFRESH_RECT                = 0x21
	PDUTYPE2_PLAY_SOUND                  = 0x22
	PDUTYPE2_SUPPRESS_OUTPUT             = 0x23
	PDUTYPE2_SHUTDOWN_REQUEST            = 0x24
	PDUTYPE2_SHUTDOWN_DENIED             = 0x25
	PDUTYPE2_SAVE_SESSION_INFO           = 0x26
	PDUTYPE2_FONTLIST                    = 0x27
	PDUTYPE2_FONTMAP                     = 0x28
	PDUTYPE2_SET_KEYBOARD_INDICATORS     = 0x29
	PDUTYPE2_BITMAPCACHE_PERSISTENT_LIST = 0x2B
	PDUTYPE2_BITMAPCACHE_ERROR_PDU       = 0x2C
	PDUTYPE2_SET_KEYBOARD_IME_STATUS     = 0x2D
	PDUTYPE2_OFFSCRCACHE_ERROR_PDU       = 0x2E
	PDUTYPE2_SET_ERROR_INFO_PDU          = 0x2F
	PDUTYPE2_DRAWNINEGRID_ERROR_PDU      = 0x30
	PDUTYPE2_DRAWGDIPLUS_ERROR_PDU       = 0x31
	PDUTYPE2_ARC_STATUS_PDU              = 0x32
	PDUTYPE2_STATUS_INFO_PDU             = 0x36
	PDUTYPE2_MONITOR_LAYOUT_PDU          = 0x37
	PDUTYPE2_FRAME_ACKNOWLEDGE           = 0x38

	// Update PDU Types (MS-RDPBCGR section 2.2.9.1.1.3.1.1)
	UPDATETYPE_ORDERS      = 0x0000
	UPDATETYPE_BITMAP      = 0x0001
	UPDATETYPE_PALETTE     = 0x0002
	UPDATETYPE_SYNCHRONIZE = 0x0003
)

// Control PDU actions (MS-RDPBCGR section 2.2.1.15.1)
const (
	CTRLACTION_REQUEST_CONTROL = 0x0001
	CTRLACTION_GRANTED_CONTROL = 0x0002
	CTRLACTION_DETACH          = 0x0003
	CTRLACTION_COOPERATE       = 0x0004
)

// Error Info codes sent in the Set Error Info PDU (MS-RDPBCGR 2.2.5.1.1)
const (
	ERRINFO_RPC_INITIATED_DISCONNECT          = 0x00000001
	ERRINFO_RPC_INITIATED_LOGOFF              = 0x00000002
	ERRINFO_IDLE_TIMEOUT                      = 0x00000003
	ERRINFO_LOGON_TIMEOUT                     = 0x00000004
	ERRINFO_DISCONNECTED_BY_OTHERCONNECTION   = 0x00000005
	ERRINFO_OUT_OF_MEMORY                     = 0x00000006
	ERRINFO_SERVER_DENIED_CONNECTION          = 0x00000007
	ERRINFO_SERVER_INSUFFICIENT_PRIVILEGES    = 0x00000009
	ERRINFO_SERVER_FRESH_CREDENTIALS_REQUIRED = 0x0000000A
	ERRINFO_RPC_INITIATED_DISCONNECT_BYUSER   = 0x0000000B
	ERRINFO_LOGOFF_BY_USER                    = 0x0000000C
)

// Virtual channel PDU flags (MS-RDPBCGR 2.2.6.1.1)
const (
	CHANNEL_FLAG_FIRST         = 0x00000001
	CHANNEL_FLAG_LAST          = 0x00000002
	CHANNEL_FLAG_SHOW_PROTOCOL = 0x00000010
	CHANNEL_FLAG_SUSPEND       = 0x00000020
	CHANNEL_FLAG_RESUME        = 0x00000040
)

// Static virtual channel options (MS-RDPBCGR 2.2.1.3.4.1)
const (
	CHANNEL_OPTION_INITIALIZED   = 0x80000000
	CHANNEL_OPTION_ENCRYPT_RDP   = 0x40000000
	CHANNEL_OPTION_SHOW_PROTOCOL = 0x00200000

	// Static virtual channel name limit (MS-RDPBCGR 2.2.1.3.4.1)
	ChannelNameMaxLength = 8

	// Default negotiated chunk size (MS-RDPBCGR 2.2.7.1.10)
	DefaultVCChunkSize = 1600

	// Size of the CHANNEL_PDU_HEADER prefixed to every fragment
	ChannelPDUHeaderSize = 8
)

// RDP Security Constants (MS-RDPBCGR)
const (
	// Encryption Methods (MS-RDPBCGR section 2.2.1.4.3)
	ENCRYPTION_METHOD_NONE   = 0x00000000
	ENCRYPTION_METHOD_40BIT  = 0x00000001
	ENCRYPTION_METHOD_128BIT = 0x00000002
	ENCRYPTION_METHOD_56BIT  = 0x00000008
	ENCRYPTION_METHOD_FIPS   = 0x00000010

	// Encryption Levels (MS-RDPBCGR section 2.2.1.4.3)
	ENCRYPTION_LEVEL_NONE              = 0x00000000
	ENCRYPTION_LEVEL_LOW               = 0x00000001
	ENCRYPTION_LEVEL_CLIENT_COMPATIBLE = 0x00000002
	ENCRYPTION_LEVEL_HIGH              = 0x00000003
	ENCRYPTION_LEVEL_FIPS              = 0x00000004
)

// Capability Set Types (MS-RDPBCGR section 2.2.1.13.1)
const (
	CAPSTYPE_GENERAL                 = 0x0001
	CAPSTYPE_BITMAP                  = 0x0002
	CAPSTYPE_ORDER                   = 0x0003
	CAPSTYPE_BITMAPCACHE             = 0x0004
	CAPSTYPE_CONTROL                 = 0x0005
	CAPSTYPE_ACTIVATION              = 0x0007
	CAPSTYPE_POINTER                 = 0x0008
	CAPSTYPE_SHARE                   = 0x0009
	CAPSTYPE_COLORCACHE              = 0x000A
	CAPSTYPE_SOUND                   = 0x000C
	CAPSTYPE_INPUT                   = 0x000D
	CAPSTYPE_FONT                    = 0x000E
	CAPSTYPE_BRUSH                   = 0x000F
	CAPSTYPE_GLYPHCACHE              = 0x0010
	CAPSTYPE_OFFSCREENCACHE          = 0x0011
	CAPSTYPE_BITMAPCACHE_HOSTSUPPORT = 0x0012
	CAPSTYPE_BITMAPCACHE_REV2        = 0x0013
	CAPSTYPE_VIRTUALCHANNEL          = 0x0014
	CAPSTYPE_DRAWNINEGRIDCACHE       = 0x0015
	CAPSTYPE_DRAWGDIPLUS             = 0x0016
	CAPSTYPE_RAIL                    = 0x0017
	CAPSTYPE_WINDOW                  = 0x0018
	CAPSTYPE_COMPDESK                = 0x0019
	CAPSTYPE_MULTIFRAGMENTUPDATE     = 0x001A
	CAPSTYPE_LARGE_POINTER           = 0x001B
	CAPSTYPE_SURFACE_COMMANDS        = 0x001C
	CAPSTYPE_BITMAP_CODECS           = 0x001D
)

// Auto-detect request/response message types (MS-RDPBCGR 2.2.14.1 / 2.2.14.2)
const (
	RDP_RTT_REQUEST_TYPE_CONNECTTIME = 0x0001
	RDP_RTT_REQUEST_TYPE_CONTINUOUS  = 0x1001
	RDP_BW_START_TYPE_CONNECTTIME    = 0x0014
	RDP_BW_PAYLOAD_TYPE              = 0x0002
	RDP_BW_STOP_TYPE_CONNECTTIME     = 0x002B
	RDP_NETCHAR_RESULT_TYPE          = 0x0840

	RDP_RTT_RESPONSE_TYPE          = 0x0000
	RDP_BW_RESULTS_TYPE_CONNECT    = 0x0003
	RDP_BW_RESULTS_TYPE_CONTINUOUS = 0x000B
	RDP_NETCHAR_SYNC_TYPE          = 0x0018
)

// Multitransport request protocols and flags (MS-RDPBCGR 2.2.15.1, MS-RDPEMT)
const (
	INITIATE_REQUEST_PROTOCOL_UDPFECR = 0x01
	INITIATE_REQUEST_PROTOCOL_UDPFECL = 0x02

	SOFTSYNC_TCP_TO_UDP = 0x00000001

	// HRESULT used when the client declines the multitransport bootstrap
	E_ABORT = 0x80004004
)

// Fast-path input header (MS-RDPBCGR 2.2.8.1.2)
const (
	FASTPATH_INPUT_ACTION_FASTPATH = 0x0
	FASTPATH_INPUT_ACTION_X224     = 0x3

	FASTPATH_INPUT_SECURE_CHECKSUM = 0x1
	FASTPATH_INPUT_ENCRYPTED       = 0x2

	// Fast-path input event codes (MS-RDPBCGR 2.2.8.1.2.2)
	FASTPATH_INPUT_EVENT_SCANCODE = 0x0
	FASTPATH_INPUT_EVENT_MOUSE    = 0x1
	FASTPATH_INPUT_EVENT_MOUSEX   = 0x2
	FASTPATH_INPUT_EVENT_SYNC     = 0x3
	FASTPATH_INPUT_EVENT_UNICODE  = 0x4
)

// Slow-path input event types (MS-RDPBCGR 2.2.8.1.1.3.1.1)
const (
	INPUT_EVENT_SYNC     = 0x0000
	INPUT_EVENT_UNUSED   = 0x0002
	INPUT_EVENT_SCANCODE = 0x0004
	INPUT_EVENT_UNICODE  = 0x0005
	INPUT_EVENT_MOUSE    = 0x8001
	INPUT_EVENT_MOUSEX   = 0x8002
)
