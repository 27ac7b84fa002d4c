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
	"unicode/utf16"
)

// Server redirection (MS-RDPBCGR 2.2.13). The server tells the client
// to tear the connection down and reconnect to another host, typically
// after a session broker decision.

// RedirFlags field of the Server Redirection Packet
const (
	LB_TARGET_NET_ADDRESS = 0x00000001
	LB_LOAD_BALANCE_INFO  = 0x00000002
	LB_USERNAME           = 0x00000004
	LB_DOMAIN             = 0x00000008
	LB_PASSWORD           = 0x00000010
	LB_DONTSTOREUSERNAME  = 0x00000020
	LB_SMARTCARD_LOGON    = 0x00000040
	LB_NOREDIRECT         = 0x00000080
	LB_TARGET_FQDN        = 0x00000100
	LB_TARGET_NETBIOS     = 0x00000200
)

// Redirection describes where the client should reconnect. Empty
// fields are omitted from the packet.
type Redirection struct {
	SessionID       uint32
	TargetNetAddr   string
	LoadBalanceInfo []byte
	Username        string
	Domain          string
	Password        []byte
	TargetFQDN      string
	TargetNetBIOS   string
}

// BuildServerRedirectionPDU encodes an Enhanced Security Server
// Redirection PDU body (MS-RDPBCGR 2.2.13.1). The caller wraps it with
// a security header carrying SEC_REDIRECTION_PKT.
func BuildServerRedirectionPDU(r *Redirection) []byte {
	body := new(bytes.Buffer)

	var redirFlags uint32
	writeBlob := func(flag uint32, data []byte) {
		if len(data) == 0 {
			return
		}
		redirFlags |= flag
		binary.Write(body, binary.LittleEndian, uint32(len(data)))
		body.Write(data)
	}

	writeBlob(LB_TARGET_NET_ADDRESS, encodeUTF16Z(r.TargetNetAddr))
	writeBlob(LB_LOAD_BALANCE_INFO, r.LoadBalanceInfo)
	writeBlob(LB_USERNAME, encodeUTF16Z(r.Username))
	writeBlob(LB_DOMAIN, encodeUTF16Z(r.Domain))
	writeBlob(LB_PASSWORD, r.Password)
	writeBlob(LB_TARGET_FQDN, encodeUTF16Z(r.TargetFQDN))
	writeBlob(LB_TARGET_NETBIOS, encodeUTF16Z(r.TargetNetBIOS))

	// flags, length, sessionID, redirFlags, variable part, 8 pad bytes
	length := 4 + 4 + 4 + body.Len() + 8

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(SEC_REDIRECTION_PKT))
	binary.Write(buf, binary.LittleEndian, uint16(length))
	binary.Write(buf, binary.LittleEndian, r.SessionID)
	binary.Write(buf, binary.LittleEndian, redirFlags)
	buf.Write(body.Bytes())
	buf.Write(make([]byte, 8))
	return buf.Bytes()
}

// encodeUTF16Z encodes s as null-terminated UTF-16LE, the encoding the
// redirection packet uses for all string fields. Empty input encodes
// to nothing so the field is skipped entirely.
func encodeUTF16Z(s string) []byte {
	if s == "" {
		return nil
	}
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, (len(units)+1)*2)
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return append(out, 0, 0)
}
