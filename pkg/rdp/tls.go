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
	"fmt"
	"time"

	ztls "github.com/zmap/zcrypto/tls"
)

// tlsHandshakeTimeout bounds the upgrade; mstsc sends its ClientHello
// immediately after the connection confirm, so anything slower is a
// scanner or a stall.
const tlsHandshakeTimeout = 10 * time.Second

// upgradeTLS wraps the accepted transport in a server-side TLS session
// when the negotiation selected PROTOCOL_SSL. Subsequent frames,
// fast-path included, ride inside the record layer.
func (c *Conn) upgradeTLS() error {
	cert, err := ztls.LoadX509KeyPair(c.opts.TLSCertFile, c.opts.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("load TLS keypair: %w", err)
	}

	config := &ztls.Config{
		Certificates: []ztls.Certificate{cert},
		MinVersion:   ztls.VersionTLS10,
		MaxVersion:   ztls.VersionTLS12,
		CipherSuites: []uint16{
			ztls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			ztls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			ztls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
			ztls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
			ztls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			ztls.TLS_RSA_WITH_AES_256_GCM_SHA384,
			ztls.TLS_RSA_WITH_AES_128_CBC_SHA,
			ztls.TLS_RSA_WITH_AES_256_CBC_SHA,
		},
	}

	if err := c.transport.SetDeadline(time.Now().Add(tlsHandshakeTimeout)); err != nil {
		return fmt.Errorf("set TLS deadline: %w", err)
	}

	tlsConn := ztls.Server(c.transport, config)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear TLS deadline: %w", err)
	}

	state := tlsConn.ConnectionState()
	c.log.Debug("TLS established",
		"version", tlsVersionString(state.Version),
		"cipher", fmt.Sprintf("0x%04X", state.CipherSuite))

	c.transport = tlsConn
	return nil
}

// tlsVersionString returns a human-readable TLS version string
func tlsVersionString(version uint16) string {
	switch version {
	case ztls.VersionSSL30:
		return "SSL 3.0"
	case ztls.VersionTLS10:
		return "TLS 1.0"
	case ztls.VersionTLS11:
		return "TLS 1.1"
	case ztls.VersionTLS12:
		return "TLS 1.2"
	default:
		return fmt.Sprintf("Unknown (0x%04x)", version)
	}
}
