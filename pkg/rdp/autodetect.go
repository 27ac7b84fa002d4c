package rdp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Connect-time network auto-detection (MS-RDPBCGR 2.2.14). The server
// drives the sequence: RTT measure request, then a bandwidth measure
// start/stop pair, then a network characteristics result. Messages ride
// in security headers flagged SEC_AUTODETECT_REQ / SEC_AUTODETECT_RSP.

// Header type ids (MS-RDPBCGR 2.2.14.1 / 2.2.14.2)
const (
	TYPE_ID_AUTODETECT_REQUEST  = 0x00
	TYPE_ID_AUTODETECT_RESPONSE = 0x01
)

type autoDetectState int

const (
	autoDetectIdle autoDetectState = iota
	autoDetectAwaitRTT
	autoDetectAwaitBW
	autoDetectDone
)

// NetworkCharacteristics is the measured connect-time link profile.
type NetworkCharacteristics struct {
	BaseRTT       time.Duration
	AverageRTT    time.Duration
	BandwidthKbps uint32
}

// AutoDetectMachine runs the server side of connect-time detection for
// one connection.
type AutoDetectMachine struct {
	state   autoDetectState
	seq     uint16
	rttSeq  uint16
	bwSeq   uint16
	rttSent time.Time
	bwSent  time.Time

	Results NetworkCharacteristics

	// now is replaceable for tests.
	now func() time.Time
}

func NewAutoDetectMachine() *AutoDetectMachine {
	return &AutoDetectMachine{now: time.Now}
}

// Completed reports whether the detection sequence finished.
func (m *AutoDetectMachine) Completed() bool {
	return m.state == autoDetectDone
}

// Begin emits the RTT measure request that opens the sequence.
func (m *AutoDetectMachine) Begin() [][]byte {
	m.seq++
	m.rttSeq = m.seq
	m.rttSent = m.now()
	m.state = autoDetectAwaitRTT
	return [][]byte{buildAutoDetectRequest(RDP_RTT_REQUEST_TYPE_CONNECTTIME, m.rttSeq, nil)}
}

// HandleResponse consumes one client auto-detect response and returns
// the requests to send next. done turns true when the network
// characteristics result has been emitted.
func (m *AutoDetectMachine) HandleResponse(data []byte) (out [][]byte, done bool, err error) {
	s := NewStream(data)

	headerLength, err := s.ReadUint8("autodetect headerLength")
	if err != nil {
		return nil, false, err
	}
	typeID, err := s.ReadUint8("autodetect headerTypeId")
	if err != nil {
		return nil, false, err
	}
	if typeID != TYPE_ID_AUTODETECT_RESPONSE {
		return nil, false, fmt.Errorf("autodetect headerTypeId 0x%02X, want response: %w", typeID, ErrUnexpectedPDU)
	}
	seq, err := s.ReadUint16LE("autodetect sequenceNumber")
	if err != nil {
		return nil, false, err
	}
	respType, err := s.ReadUint16LE("autodetect responseType")
	if err != nil {
		return nil, false, err
	}
	if int(headerLength) > len(data) {
		return nil, false, fmt.Errorf("autodetect headerLength %d exceeds %d bytes: %w",
			headerLength, len(data), ErrTruncatedPDU)
	}

	switch respType {
	case RDP_RTT_RESPONSE_TYPE:
		if m.state != autoDetectAwaitRTT || seq != m.rttSeq {
			// Stale or duplicate response; ignored, phase keeps waiting.
			return nil, false, nil
		}
		rtt := m.now().Sub(m.rttSent)
		m.Results.BaseRTT = rtt
		m.Results.AverageRTT = rtt

		m.seq++
		m.bwSeq = m.seq
		m.bwSent = m.now()
		m.state = autoDetectAwaitBW
		return [][]byte{
			buildAutoDetectRequest(RDP_BW_START_TYPE_CONNECTTIME, m.bwSeq, nil),
			buildAutoDetectRequest(RDP_BW_STOP_TYPE_CONNECTTIME, m.bwSeq, nil),
		}, false, nil

	case RDP_BW_RESULTS_TYPE_CONNECT, RDP_BW_RESULTS_TYPE_CONTINUOUS:
		if m.state != autoDetectAwaitBW {
			return nil, false, nil
		}
		timeDelta, err := s.ReadUint32LE("bandwidth timeDelta")
		if err != nil {
			return nil, false, err
		}
		byteCount, err := s.ReadUint32LE("bandwidth byteCount")
		if err != nil {
			return nil, false, err
		}
		if timeDelta > 0 {
			m.Results.BandwidthKbps = uint32(uint64(byteCount) * 8 / uint64(timeDelta))
		}

		m.seq++
		m.state = autoDetectDone
		return [][]byte{m.buildNetworkCharResult(m.seq)}, true, nil

	case RDP_NETCHAR_SYNC_TYPE:
		// Client replays previously measured characteristics; accept them
		// and finish without our own measurement round.
		bandwidth, err := s.ReadUint32LE("netchar bandwidth")
		if err != nil {
			return nil, false, err
		}
		rtt, err := s.ReadUint32LE("netchar rtt")
		if err != nil {
			return nil, false, err
		}
		m.Results.BandwidthKbps = bandwidth
		m.Results.BaseRTT = time.Duration(rtt) * time.Millisecond
		m.Results.AverageRTT = m.Results.BaseRTT
		m.state = autoDetectDone
		return nil, true, nil

	default:
		return nil, false, fmt.Errorf("autodetect responseType 0x%04X: %w", respType, ErrUnexpectedPDU)
	}
}

// buildAutoDetectRequest encodes a NETWORK_DETECTION_REQUEST
// (MS-RDPBCGR 2.2.14.1).
func buildAutoDetectRequest(requestType, sequenceNumber uint16, payload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(uint8(6 + len(payload)))
	buf.WriteByte(TYPE_ID_AUTODETECT_REQUEST)
	binary.Write(buf, binary.LittleEndian, sequenceNumber)
	binary.Write(buf, binary.LittleEndian, requestType)
	buf.Write(payload)
	return buf.Bytes()
}

// buildNetworkCharResult encodes RDP_NETCHAR_RESULT with base RTT,
// bandwidth, and average RTT (MS-RDPBCGR 2.2.14.1.6, basertt+bandwidth
// +averagertt variant).
func (m *AutoDetectMachine) buildNetworkCharResult(sequenceNumber uint16) []byte {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:], uint32(m.Results.BaseRTT/time.Millisecond))
	binary.LittleEndian.PutUint32(payload[4:], m.Results.BandwidthKbps)
	binary.LittleEndian.PutUint32(payload[8:], uint32(m.Results.AverageRTT/time.Millisecond))
	return buildAutoDetectRequest(RDP_NETCHAR_RESULT_TYPE, sequenceNumber, payload)
}
