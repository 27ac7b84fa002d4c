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
	"crypto/rsa"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Hooks are the server's extension points. Each hook is optional; a
// nil hook is simply skipped. Hooks run on the connection goroutine,
// so a slow hook stalls that peer only.
type Hooks struct {
	// PostConnect runs once the connection reaches ACTIVE. Returning
	// an error tears the connection down.
	PostConnect func(c *Conn) error

	// Activated runs after every capability exchange, including
	// deactivation-reactivation sequences.
	Activated func(c *Conn) error

	// Disconnected runs once when the connection leaves ACTIVE for
	// good, whatever the reason.
	Disconnected func(c *Conn)

	// ShutdownRequested decides a client shutdown request PDU.
	// Returning false denies it and keeps the session; nil allows it.
	ShutdownRequested func(c *Conn) bool

	// Input hooks. Coordinates are desktop coordinates.
	KeyboardEvent     func(c *Conn, flags uint16, code uint16)
	UnicodeEvent      func(c *Conn, flags uint16, code uint16)
	MouseEvent        func(c *Conn, flags uint16, x, y uint16)
	ExtendedMouse     func(c *Conn, flags uint16, x, y uint16)
	SynchronizeEvent  func(c *Conn, toggleFlags uint32)
	RefreshRect       func(c *Conn, rects []Rect)
	SuppressOutput    func(c *Conn, allow bool, rect Rect)
	FrameAcknowledged func(c *Conn, frameID uint32)

	// VirtualChannelData receives one virtual channel fragment per
	// call, with the CHANNEL_PDU_HEADER fields alongside so the
	// consumer interprets FIRST/LAST itself. Channel.Reassemble
	// buffers fragments into complete payloads for consumers that
	// want them.
	VirtualChannelData func(c *Conn, channel string, data []byte, flags, totalLength uint32) error
}

// ServerOptions configures one listening endpoint. The zero value is
// not usable; start from DefaultServerOptions.
type ServerOptions struct {
	Logger hclog.Logger

	// Standard RDP security. Certificate and key are required when
	// EncryptionMethod is anything other than ENCRYPTION_METHOD_NONE;
	// the key also signs the proprietary server certificate.
	EncryptionMethod uint32
	EncryptionLevel  uint32
	RSAKey           *rsa.PrivateKey

	// TLS material for enhanced security (PROTOCOL_SSL). PEM paths
	// are loaded lazily on the first upgrade.
	TLSCertFile string
	TLSKeyFile  string

	// Advertised desktop geometry.
	DesktopWidth  uint16
	DesktopHeight uint16
	ColorDepth    uint16

	// Virtual channel chunk size advertised in the capability set.
	VCChunkSize uint16

	// LicenseRequired opens the licensing phase with a server license
	// request instead of the immediate valid-client short-circuit.
	LicenseRequired bool

	// OfferMultitransport controls whether UDP sideband transports
	// are offered to clients that advertise support.
	OfferMultitransport bool

	// NetworkAutoDetect enables connect-time RTT/bandwidth probing
	// for clients that request it.
	NetworkAutoDetect bool

	// ReadTimeout bounds each blocking frame read; zero disables it.
	ReadTimeout time.Duration

	// StrictPadding makes trailing bytes after a parsed share PDU
	// fatal instead of a hygiene warning. Real clients pad several
	// PDUs, so this is off by default.
	StrictPadding bool

	Hooks Hooks
}

// DefaultServerOptions returns options matching a plain RDP listener
// with 128-bit standard security.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		Logger:              hclog.Default().Named("rdp"),
		EncryptionMethod:    ENCRYPTION_METHOD_128BIT,
		EncryptionLevel:     ENCRYPTION_LEVEL_CLIENT_COMPATIBLE,
		DesktopWidth:        1024,
		DesktopHeight:       768,
		ColorDepth:          16,
		VCChunkSize:         DefaultVCChunkSize,
		OfferMultitransport: true,
		NetworkAutoDetect:   true,
		ReadTimeout:         30 * time.Second,
	}
}
