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

import "fmt"

// Verdict is what a state handler reports back to the PDU driver after
// consuming (or declining) one inbound frame.
type Verdict int

const (
	// VerdictFailed aborts the connection. Parse errors are always fatal.
	VerdictFailed Verdict = iota

	// VerdictSuccess means the frame was consumed and the machine waits
	// for the next inbound frame.
	VerdictSuccess

	// VerdictContinue means the handler advanced the state and the driver
	// must invoke the new state's handler again without new input.
	VerdictContinue

	// VerdictTryAgain means the handler switched state and the new state
	// must re-parse the same frame from the start.
	VerdictTryAgain

	// VerdictActive means the handshake just completed and the connection
	// entered the steady state.
	VerdictActive

	// VerdictQuit means an orderly shutdown was negotiated.
	VerdictQuit
)

func (v Verdict) String() string {
	switch v {
	case VerdictFailed:
		return "FAILED"
	case VerdictSuccess:
		return "SUCCESS"
	case VerdictContinue:
		return "CONTINUE"
	case VerdictTryAgain:
		return "TRY_AGAIN"
	case VerdictActive:
		return "ACTIVE"
	case VerdictQuit:
		return "QUIT"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Proceeding reports whether the verdict keeps the connection alive.
func (v Verdict) Proceeding() bool {
	return v == VerdictSuccess || v == VerdictContinue || v == VerdictTryAgain || v == VerdictActive
}

// ConnectionState tracks where a peer is in the connection sequence
// (MS-RDPBCGR section 1.3.1.1).
type ConnectionState int

const (
	StateInitial ConnectionState = iota
	StateNegotiation
	StateMCSConnect
	StateMCSErectDomain
	StateMCSAttachUser
	StateMCSChannelJoin
	StateSecurityKeyExchange
	StateClientInfo
	StateAutoDetect
	StateLicensing
	StateMultitransportRequest
	StateMultitransportResponse
	StateCapabilitiesExchange
	StateFinalization
	StateActive
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateNegotiation:
		return "NEGOTIATION"
	case StateMCSConnect:
		return "MCS_CONNECT"
	case StateMCSErectDomain:
		return "MCS_ERECT_DOMAIN"
	case StateMCSAttachUser:
		return "MCS_ATTACH_USER"
	case StateMCSChannelJoin:
		return "MCS_CHANNEL_JOIN"
	case StateSecurityKeyExchange:
		return "SECURITY_KEY_EXCHANGE"
	case StateClientInfo:
		return "CLIENT_INFO"
	case StateAutoDetect:
		return "AUTO_DETECT"
	case StateLicensing:
		return "LICENSING"
	case StateMultitransportRequest:
		return "MULTITRANSPORT_REQUEST"
	case StateMultitransportResponse:
		return "MULTITRANSPORT_RESPONSE"
	case StateCapabilitiesExchange:
		return "CAPABILITIES_EXCHANGE"
	case StateFinalization:
		return "FINALIZATION"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// legalPredecessors lists, for each state, the states a transition may
// come from. Optional phases mean several predecessors are legal: the
// capability exchange can be entered straight from licensing when the
// client advertises neither auto-detect nor multitransport support, and
// again from ACTIVE on a deactivate/reactivate cycle.
var legalPredecessors = map[ConnectionState][]ConnectionState{
	StateNegotiation:            {StateInitial},
	StateMCSConnect:             {StateNegotiation},
	StateMCSErectDomain:         {StateMCSConnect},
	StateMCSAttachUser:          {StateMCSErectDomain},
	StateMCSChannelJoin:         {StateMCSAttachUser, StateMCSChannelJoin},
	StateSecurityKeyExchange:    {StateMCSChannelJoin},
	StateClientInfo:             {StateMCSChannelJoin, StateSecurityKeyExchange},
	StateAutoDetect:             {StateClientInfo, StateAutoDetect},
	StateLicensing:              {StateClientInfo, StateAutoDetect},
	StateMultitransportRequest:  {StateLicensing},
	StateMultitransportResponse: {StateMultitransportRequest},
	StateCapabilitiesExchange: {
		StateLicensing,
		StateMultitransportRequest,
		StateMultitransportResponse,
		StateCapabilitiesExchange,
		StateActive,
	},
	StateFinalization: {StateCapabilitiesExchange, StateFinalization},
	StateActive:       {StateFinalization},
	StateClosed: {
		StateInitial, StateNegotiation, StateMCSConnect, StateMCSErectDomain,
		StateMCSAttachUser, StateMCSChannelJoin, StateSecurityKeyExchange,
		StateClientInfo, StateAutoDetect, StateLicensing,
		StateMultitransportRequest, StateMultitransportResponse,
		StateCapabilitiesExchange, StateFinalization, StateActive,
	},
}

// transitionAllowed reports whether from is a legal predecessor of to.
// Self-transitions are legal only where the table says so (channel join
// loops, repeated auto-detect rounds, the finalization sub-sequence).
func transitionAllowed(from, to ConnectionState) bool {
	for _, p := range legalPredecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Finalization PDU bookkeeping. Each expected client PDU sets one bit;
// the connection turns ACTIVE once all required bits are present. The
// persistent key list is optional, so it has no bit.
const (
	finalizeSynchronize = 1 << iota
	finalizeControlCooperate
	finalizeControlRequest
	finalizeFontList
)

const finalizeComplete = finalizeSynchronize | finalizeControlCooperate |
	finalizeControlRequest | finalizeFontList
