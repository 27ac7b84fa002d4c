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

import "fmt"

// TS_INFO_PACKET flags (MS-RDPBCGR 2.2.1.11.1.1)
const (
	INFO_MOUSE              = 0x00000001
	INFO_DISABLECTRLALTDEL  = 0x00000002
	INFO_AUTOLOGON          = 0x00000008
	INFO_UNICODE            = 0x00000010
	INFO_MAXIMIZESHELL      = 0x00000020
	INFO_LOGONNOTIFY        = 0x00000040
	INFO_COMPRESSION        = 0x00000080
	INFO_ENABLEWINDOWSKEY   = 0x00000100
	INFO_MOUSE_HAS_WHEEL    = 0x00020000
	INFO_NOAUDIOPLAYBACK    = 0x00040000
	INFO_USING_SAVED_CREDS  = 0x00100000
	INFO_AUDIOCAPTURE       = 0x00200000
	INFO_HIDEF_RAIL_SUPPORT = 0x02000000
)

// ClientInfo is the parsed logon information the client sends under
// SEC_INFO_PKT once the security exchange completes.
type ClientInfo struct {
	Flags          uint32
	Domain         string
	Username       string
	Password       string
	AlternateShell string
	WorkingDir     string

	// Extended info, present for clients speaking RDP 5.0+.
	ClientAddress    string
	ClientDir        string
	PerformanceFlags uint32
}

// AutoLogon reports whether the client asked for automatic logon with
// the embedded credentials.
func (i *ClientInfo) AutoLogon() bool {
	return i.Flags&INFO_AUTOLOGON != 0
}

// ParseClientInfoPDU decodes a TS_INFO_PACKET. The security header has
// already been consumed. The extended info block is optional and
// parsed best-effort; clients truncate it at various points.
func ParseClientInfoPDU(data []byte) (*ClientInfo, error) {
	s := NewStream(data)

	if err := s.Skip(4, "info codePage"); err != nil {
		return nil, err
	}
	flags, err := s.ReadUint32LE("info flags")
	if err != nil {
		return nil, err
	}

	info := &ClientInfo{Flags: flags}
	unicode := flags&INFO_UNICODE != 0

	var lengths [5]uint16
	names := [5]string{"cbDomain", "cbUserName", "cbPassword", "cbAlternateShell", "cbWorkingDir"}
	for i := range lengths {
		if lengths[i], err = s.ReadUint16LE(names[i]); err != nil {
			return nil, err
		}
	}

	fields := [5]*string{&info.Domain, &info.Username, &info.Password, &info.AlternateShell, &info.WorkingDir}
	for i, dst := range fields {
		// Each cb excludes the mandatory null terminator.
		n := int(lengths[i])
		term := 1
		if unicode {
			term = 2
		}
		raw, err := s.ReadBytes(n+term, names[i][2:])
		if err != nil {
			return nil, err
		}
		if unicode {
			*dst = decodeUTF16Z(raw)
		} else {
			*dst = stringZ(raw)
		}
	}

	if s.Len() == 0 {
		return info, nil
	}
	if err := parseExtendedInfo(s, info); err != nil {
		return nil, fmt.Errorf("extended client info: %w", err)
	}
	return info, nil
}

func parseExtendedInfo(s *Stream, info *ClientInfo) error {
	if err := s.Skip(2, "clientAddressFamily"); err != nil {
		return err
	}
	n, err := s.ReadUint16LE("cbClientAddress")
	if err != nil {
		return err
	}
	raw, err := s.ReadBytes(int(n), "clientAddress")
	if err != nil {
		return err
	}
	info.ClientAddress = decodeUTF16Z(raw)

	if n, err = s.ReadUint16LE("cbClientDir"); err != nil {
		return err
	}
	if raw, err = s.ReadBytes(int(n), "clientDir"); err != nil {
		return err
	}
	info.ClientDir = decodeUTF16Z(raw)

	// clientTimeZone (172) and clientSessionId (4); both optional.
	if s.Len() < 176 {
		return nil
	}
	if err := s.Skip(176, "clientTimeZone"); err != nil {
		return err
	}
	if s.Len() < 4 {
		return nil
	}
	info.PerformanceFlags, err = s.ReadUint32LE("performanceFlags")
	return err
}

// stringZ drops everything from the first NUL onward.
func stringZ(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
