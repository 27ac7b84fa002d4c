package rdp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Multitransport bootstrapping (MS-RDPBCGR 2.2.15, MS-RDPEMT). The
// server offers sideband UDP transports after licensing; a client that
// cannot or will not bootstrap them answers with a failure HRESULT and
// the session continues on TCP alone.

// TRANSPORT_TYPE flags in the initiate request (MS-RDPBCGR 2.2.15.1)
const (
	TRANSPORT_TYPE_UDP_FECR      = 0x00000001
	TRANSPORT_TYPE_UDP_FECL      = 0x00000004
	TRANSPORT_TYPE_UDP_PREFERRED = 0x00000100
)

type multitransportState int

const (
	multitransportIdle multitransportState = iota
	multitransportAwaitResponse
	multitransportDone
)

type pendingTransport struct {
	requestID uint32
	protocol  uint16
}

// MultitransportMachine drives the bootstrap offers for one connection.
type MultitransportMachine struct {
	state   multitransportState
	nextID  uint32
	pending []pendingTransport

	// Accepted transports by requested protocol flag.
	Accepted uint32
}

func NewMultitransportMachine() *MultitransportMachine {
	return &MultitransportMachine{}
}

// Completed reports whether every offered transport was answered.
func (m *MultitransportMachine) Completed() bool {
	return m.state == multitransportDone
}

// Begin emits one initiate request per transport the client advertised
// support for. With nothing to offer it completes immediately and
// returns no PDUs.
func (m *MultitransportMachine) Begin(clientFlags uint32) ([][]byte, error) {
	var out [][]byte

	offer := func(protocol uint16) error {
		m.nextID++
		req, err := buildMultitransportRequest(m.nextID, protocol)
		if err != nil {
			return err
		}
		m.pending = append(m.pending, pendingTransport{requestID: m.nextID, protocol: protocol})
		out = append(out, req)
		return nil
	}

	if clientFlags&TRANSPORT_TYPE_UDP_FECR != 0 {
		if err := offer(INITIATE_REQUEST_PROTOCOL_UDPFECR); err != nil {
			return nil, err
		}
	}
	if clientFlags&TRANSPORT_TYPE_UDP_FECL != 0 {
		if err := offer(INITIATE_REQUEST_PROTOCOL_UDPFECL); err != nil {
			return nil, err
		}
	}

	if len(m.pending) == 0 {
		m.state = multitransportDone
	} else {
		m.state = multitransportAwaitResponse
	}
	return out, nil
}

// HandleResponse consumes one client initiate response. Failure
// HRESULTs are a normal TCP fallback, not an error.
func (m *MultitransportMachine) HandleResponse(data []byte) (done bool, err error) {
	s := NewStream(data)
	requestID, err := s.ReadUint32LE("multitransport requestId")
	if err != nil {
		return false, err
	}
	hr, err := s.ReadUint32LE("multitransport hrResponse")
	if err != nil {
		return false, err
	}

	found := false
	for i, p := range m.pending {
		if p.requestID == requestID {
			if hr == 0 {
				switch p.protocol {
				case INITIATE_REQUEST_PROTOCOL_UDPFECR:
					m.Accepted |= TRANSPORT_TYPE_UDP_FECR
				case INITIATE_REQUEST_PROTOCOL_UDPFECL:
					m.Accepted |= TRANSPORT_TYPE_UDP_FECL
				}
			}
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false, fmt.Errorf("multitransport response for unknown request %d: %w", requestID, ErrUnexpectedPDU)
	}

	if len(m.pending) == 0 {
		m.state = multitransportDone
		return true, nil
	}
	return false, nil
}

// buildMultitransportRequest encodes an Initiate Multitransport Request
// (MS-RDPBCGR 2.2.15.1). The caller prepends the security header
// carrying SEC_TRANSPORT_REQ.
func buildMultitransportRequest(requestID uint32, protocol uint16) ([]byte, error) {
	cookie := make([]byte, 16)
	if _, err := rand.Read(cookie); err != nil {
		return nil, fmt.Errorf("generate multitransport security cookie: %w", err)
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, requestID)
	binary.Write(buf, binary.LittleEndian, protocol)
	binary.Write(buf, binary.LittleEndian, uint16(0)) // reserved
	buf.Write(cookie)
	return buf.Bytes(), nil
}
