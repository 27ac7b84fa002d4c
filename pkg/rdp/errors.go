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

import "errors"

// Sentinel errors returned by the connection and channel layers. Callers
// match them with errors.Is; wire-level parse failures wrap one of these
// with the offending field via fmt.Errorf("...: %w", err).
var (
	// ErrClosed is returned by operations on a peer that has been torn down.
	ErrClosed = errors.New("rdp: connection closed")

	// ErrTruncatedPDU indicates a frame shorter than its declared length.
	ErrTruncatedPDU = errors.New("rdp: truncated PDU")

	// ErrInvalidHeader indicates a malformed TPKT, X.224 or MCS header.
	ErrInvalidHeader = errors.New("rdp: invalid header")

	// ErrUnexpectedPDU indicates a PDU type that is never legal in the
	// state that received it (distinct from out-of-order finalization
	// PDUs, which are tolerated).
	ErrUnexpectedPDU = errors.New("rdp: unexpected PDU")

	// ErrInvalidTransition indicates a request to enter a state whose
	// legal predecessors do not include the current state.
	ErrInvalidTransition = errors.New("rdp: invalid state transition")

	// ErrChannelNotFound indicates data addressed to an MCS channel id
	// that was never announced during the Basic Settings Exchange.
	ErrChannelNotFound = errors.New("rdp: channel not found")

	// ErrChannelNameTooLong indicates a static channel name over 8 bytes.
	ErrChannelNameTooLong = errors.New("rdp: channel name too long")

	// ErrSecurityViolation indicates a security header that does not match
	// the negotiated encryption state (missing SEC_ENCRYPT, bad MAC, or a
	// client random of the wrong length).
	ErrSecurityViolation = errors.New("rdp: security violation")

	// ErrLicenseProtocol indicates an unrecoverable licensing exchange error.
	ErrLicenseProtocol = errors.New("rdp: licensing protocol error")

	// ErrStalledProgress indicates the state machine reported CONTINUE
	// more times in a row than the driver allows for a single inbound PDU.
	ErrStalledProgress = errors.New("rdp: state machine stalled")

	// ErrWriteBlocked is returned by non-blocking transports when the
	// outbound buffer is full; the caller should drain and retry.
	ErrWriteBlocked = errors.New("rdp: transport write blocked")
)
