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
)

// Server-side licensing (MS-RDPELE). A server without a license
// authority short-circuits the exchange: it sends an ERROR_ALERT with
// STATUS_VALID_CLIENT and moves on. A client that volunteers a
// NEW_LICENSE_REQUEST or LICENSE_INFO first gets the same answer.

// Licensing PDU types (MS-RDPELE 2.2.2)
const (
	LICENSE_REQUEST             = 0x01
	PLATFORM_CHALLENGE          = 0x02
	NEW_LICENSE                 = 0x03
	UPGRADE_LICENSE             = 0x04
	LICENSE_INFO                = 0x12
	NEW_LICENSE_REQUEST         = 0x13
	PLATFORM_CHALLENGE_RESPONSE = 0x15
	ERROR_ALERT                 = 0xFF
)

// Preamble flags (MS-RDPBCGR 2.2.1.12.1.1)
const (
	PREAMBLE_VERSION_3_0         = 0x03
	EXTENDED_ERROR_MSG_SUPPORTED = 0x80
)

// License error codes (MS-RDPBCGR 2.2.1.12.1.3)
const (
	ERR_INVALID_SERVER_CERTIFICATE = 0x00000001
	ERR_NO_LICENSE                 = 0x00000002
	ERR_INVALID_MAC                = 0x00000003
	ERR_INVALID_SCOPE              = 0x00000004
	ERR_NO_LICENSE_SERVER          = 0x00000006
	STATUS_VALID_CLIENT            = 0x00000007
	ERR_INVALID_CLIENT             = 0x00000008
	ERR_INVALID_PRODUCTID          = 0x0000000B
	ERR_INVALID_MESSAGE_LEN        = 0x0000000C
)

// State transition codes (MS-RDPBCGR 2.2.1.12.1.3)
const (
	ST_TOTAL_ABORT          = 0x00000001
	ST_NO_TRANSITION        = 0x00000002
	ST_RESET_PHASE_TO_START = 0x00000003
	ST_RESEND_LAST_MESSAGE  = 0x00000004
)

// Blob types (MS-RDPBCGR 2.2.1.12.1.2)
const (
	BB_DATA_BLOB          = 0x0001
	BB_CERTIFICATE_BLOB   = 0x0003
	BB_ERROR_BLOB         = 0x0004
	BB_KEY_EXCHG_ALG_BLOB = 0x000D
	BB_SCOPE_BLOB         = 0x000E
)

const KEY_EXCHANGE_ALG_RSA = 0x00000001

type licenseState int

const (
	licenseStateInitial licenseState = iota
	licenseStateAwaitingClient
	licenseStateCompleted
	licenseStateAborted
)

// LicenseMachine drives the licensing phase for one connection.
type LicenseMachine struct {
	state licenseState

	// Required makes Begin open with a SERVER_LICENSE_REQUEST instead
	// of short-circuiting. ServerRandom and ServerCertificate feed
	// that request; both may be nil when Required is false.
	Required          bool
	ServerRandom      []byte
	ServerCertificate []byte
}

// NewLicenseMachine starts in the initial state; the connection invokes
// Begin once it transitions into the licensing phase.
func NewLicenseMachine() *LicenseMachine {
	return &LicenseMachine{}
}

// Completed reports whether the licensing exchange is over.
func (l *LicenseMachine) Completed() bool {
	return l.state == licenseStateCompleted
}

// Aborted reports whether the client tore the exchange down with an
// error alert.
func (l *LicenseMachine) Aborted() bool {
	return l.state == licenseStateAborted
}

// Begin produces the PDUs the server sends on entering the licensing
// phase. With no license authority configured that is a single valid
// client alert, which also completes the machine. In required mode it
// is a license request, and the machine waits for the client's answer.
func (l *LicenseMachine) Begin() [][]byte {
	if l.Required {
		l.state = licenseStateAwaitingClient
		return [][]byte{l.buildServerLicenseRequest()}
	}
	l.state = licenseStateCompleted
	return [][]byte{buildLicenseErrorAlert(STATUS_VALID_CLIENT, ST_NO_TRANSITION)}
}

// HandleClientPDU consumes a client licensing PDU that arrived before
// or after Begin. Everything a license-less server can receive is
// answered with the valid client alert; a malformed preamble is fatal.
func (l *LicenseMachine) HandleClientPDU(data []byte) ([][]byte, error) {
	s := NewStream(data)

	msgType, err := s.ReadUint8("license bMsgType")
	if err != nil {
		return nil, err
	}
	if _, err := s.ReadUint8("license flags"); err != nil {
		return nil, err
	}
	size, err := s.ReadUint16LE("license wMsgSize")
	if err != nil {
		return nil, err
	}
	if int(size) < 4 || int(size)-4 > s.Len() {
		return nil, fmt.Errorf("license message size %d with %d bytes available: %w",
			size, s.Len(), ErrTruncatedPDU)
	}

	switch msgType {
	case NEW_LICENSE_REQUEST, LICENSE_INFO, PLATFORM_CHALLENGE_RESPONSE:
		l.state = licenseStateCompleted
		return [][]byte{buildLicenseErrorAlert(STATUS_VALID_CLIENT, ST_NO_TRANSITION)}, nil
	case ERROR_ALERT:
		errorCode, err := s.ReadUint32LE("license dwErrorCode")
		if err != nil {
			return nil, err
		}
		if errorCode == STATUS_VALID_CLIENT {
			// Acknowledgment; the phase ends cleanly.
			l.state = licenseStateCompleted
			return nil, nil
		}
		// Client-side abort; the connection cannot proceed.
		l.state = licenseStateAborted
		return nil, fmt.Errorf("client aborted licensing with error 0x%08X: %w", errorCode, ErrLicenseProtocol)
	default:
		return nil, fmt.Errorf("license message type 0x%02X: %w", msgType, ErrLicenseProtocol)
	}
}

// buildServerLicenseRequest encodes a SERVER_LICENSE_REQUEST
// (MS-RDPELE 2.2.2.1): server random, product info, the RSA key
// exchange list, the certificate blob, and a single scope.
func (l *LicenseMachine) buildServerLicenseRequest() []byte {
	random := l.ServerRandom
	if len(random) != 32 {
		random = make([]byte, 32)
	}

	writeBlob := func(buf *bytes.Buffer, blobType uint16, data []byte) {
		binary.Write(buf, binary.LittleEndian, blobType)
		binary.Write(buf, binary.LittleEndian, uint16(len(data)))
		buf.Write(data)
	}

	body := new(bytes.Buffer)
	body.Write(random)

	// PRODUCT_INFO: version 4.0, company and product id in UTF-16.
	company := encodeUTF16Z("Microsoft Corporation")
	product := encodeUTF16Z("A02")
	binary.Write(body, binary.LittleEndian, uint32(0x00040000))
	binary.Write(body, binary.LittleEndian, uint32(len(company)))
	body.Write(company)
	binary.Write(body, binary.LittleEndian, uint32(len(product)))
	body.Write(product)

	keyExchange := make([]byte, 4)
	binary.LittleEndian.PutUint32(keyExchange, KEY_EXCHANGE_ALG_RSA)
	writeBlob(body, BB_KEY_EXCHG_ALG_BLOB, keyExchange)

	writeBlob(body, BB_CERTIFICATE_BLOB, l.ServerCertificate)

	// SCOPE_LIST with one scope.
	binary.Write(body, binary.LittleEndian, uint32(1))
	writeBlob(body, BB_SCOPE_BLOB, append([]byte("microsoft.com"), 0))

	buf := new(bytes.Buffer)
	buf.WriteByte(LICENSE_REQUEST)
	buf.WriteByte(PREAMBLE_VERSION_3_0)
	binary.Write(buf, binary.LittleEndian, uint16(4+body.Len()))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// buildLicenseErrorAlert builds a LICENSE_ERROR_MESSAGE with an empty
// error blob (MS-RDPBCGR 2.2.1.12.1.3). The caller prepends the
// security header carrying SEC_LICENSE_PKT.
func buildLicenseErrorAlert(errorCode, stateTransition uint32) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(ERROR_ALERT)
	buf.WriteByte(PREAMBLE_VERSION_3_0)
	binary.Write(buf, binary.LittleEndian, uint16(16)) // wMsgSize
	binary.Write(buf, binary.LittleEndian, errorCode)
	binary.Write(buf, binary.LittleEndian, stateTransition)
	binary.Write(buf, binary.LittleEndian, uint16(BB_ERROR_BLOB))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // wBlobLen
	return buf.Bytes()
}
