package rdp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Share control and share data PDUs (MS-RDPBCGR 2.2.8.1.1.1). These
// ride the MCS I/O channel after the capability exchange begins.

type ShareControlHeader struct {
	TotalLength uint16
	PDUType     uint16
	PDUSource   uint16
}

// Type returns the PDU type with the protocol version bits masked off.
// The low nibble is the type and 0x10 is TS_PROTOCOL_VERSION, which the
// PDUTYPE_* constants carry; anything above that is reserved.
func (h *ShareControlHeader) Type() uint16 {
	return h.PDUType & 0x1F
}

// IsFlowPDU reports whether this is a legacy flow control PDU, which
// carries no version bits and is tolerated but ignored
// (T.128 flow marker: totalLength 0x8000).
func (h *ShareControlHeader) IsFlowPDU() bool {
	return h.TotalLength == 0x8000
}

type ShareDataHeader struct {
	ShareID            uint32
	StreamID           uint8
	UncompressedLength uint16
	PDUType2           uint8
	CompressedType     uint8
	CompressedLength   uint16
}

// DataPDU is a fully parsed inbound share data PDU; Body is positioned
// at the start of the type-specific payload.
type DataPDU struct {
	Ctrl ShareControlHeader
	Hdr  ShareDataHeader
	Body *Stream
}

func parseShareControlHeader(s *Stream) (*ShareControlHeader, error) {
	hdr := &ShareControlHeader{}
	var err error
	if hdr.TotalLength, err = s.ReadUint16LE("share control totalLength"); err != nil {
		return nil, err
	}
	if hdr.IsFlowPDU() {
		return hdr, nil
	}
	if hdr.PDUType, err = s.ReadUint16LE("share control pduType"); err != nil {
		return nil, err
	}
	if hdr.PDUSource, err = s.ReadUint16LE("share control pduSource"); err != nil {
		return nil, err
	}
	return hdr, nil
}

func parseShareDataHeader(s *Stream) (*ShareDataHeader, error) {
	hdr := &ShareDataHeader{}
	var err error
	if hdr.ShareID, err = s.ReadUint32LE("shareId"); err != nil {
		return nil, err
	}
	if err = s.Skip(1, "share data pad1"); err != nil {
		return nil, err
	}
	if hdr.StreamID, err = s.ReadUint8("streamId"); err != nil {
		return nil, err
	}
	if hdr.UncompressedLength, err = s.ReadUint16LE("uncompressedLength"); err != nil {
		return nil, err
	}
	if hdr.PDUType2, err = s.ReadUint8("pduType2"); err != nil {
		return nil, err
	}
	if hdr.CompressedType, err = s.ReadUint8("compressedType"); err != nil {
		return nil, err
	}
	if hdr.CompressedLength, err = s.ReadUint16LE("compressedLength"); err != nil {
		return nil, err
	}
	return hdr, nil
}

// wrapShareData prefixes data with the share control and share data
// headers. pduSource identifies the sender's MCS user id.
func wrapShareData(shareID uint32, pduSource uint16, pduType2 uint8, data []byte) []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, uint16(0)) // patched below
	binary.Write(buf, binary.LittleEndian, uint16(PDUTYPE_DATAPDU|SHARE_CONTROL_VERSION))
	binary.Write(buf, binary.LittleEndian, pduSource)

	binary.Write(buf, binary.LittleEndian, shareID)
	buf.WriteByte(0)                                            // pad1
	buf.WriteByte(1)                                            // STREAM_LOW
	binary.Write(buf, binary.LittleEndian, uint16(len(data)+8)) // uncompressedLength
	buf.WriteByte(pduType2)
	buf.WriteByte(0)                                  // compressedType
	binary.Write(buf, binary.LittleEndian, uint16(0)) // compressedLength
	buf.Write(data)

	out := buf.Bytes()
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(out)))
	return out
}

type SynchronizePDU struct {
	MessageType uint16
	TargetUser  uint16
}

func buildSynchronizePDU(shareID uint32, pduSource, targetUser uint16) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(1)) // SYNCMSGTYPE_SYNC
	binary.Write(buf, binary.LittleEndian, targetUser)
	return wrapShareData(shareID, pduSource, PDUTYPE2_SYNCHRONIZE, buf.Bytes())
}

func parseSynchronizePDU(s *Stream) (*SynchronizePDU, error) {
	p := &SynchronizePDU{}
	var err error
	if p.MessageType, err = s.ReadUint16LE("sync messageType"); err != nil {
		return nil, err
	}
	if p.TargetUser, err = s.ReadUint16LE("sync targetUser"); err != nil {
		return nil, err
	}
	return p, nil
}

type ControlPDU struct {
	Action    uint16
	GrantID   uint16
	ControlID uint32
}

func buildControlPDU(shareID uint32, pduSource, action, grantID uint16, controlID uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, action)
	binary.Write(buf, binary.LittleEndian, grantID)
	binary.Write(buf, binary.LittleEndian, controlID)
	return wrapShareData(shareID, pduSource, PDUTYPE2_CONTROL, buf.Bytes())
}

func parseControlPDU(s *Stream) (*ControlPDU, error) {
	p := &ControlPDU{}
	var err error
	if p.Action, err = s.ReadUint16LE("control action"); err != nil {
		return nil, err
	}
	if p.GrantID, err = s.ReadUint16LE("control grantId"); err != nil {
		return nil, err
	}
	if p.ControlID, err = s.ReadUint32LE("control controlId"); err != nil {
		return nil, err
	}
	return p, nil
}

// buildFontMapPDU answers the client font list (MS-RDPBCGR 2.2.1.22).
func buildFontMapPDU(shareID uint32, pduSource uint16) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(0)) // numberEntries
	binary.Write(buf, binary.LittleEndian, uint16(0)) // totalNumEntries
	binary.Write(buf, binary.LittleEndian, uint16(3)) // FONTMAP_FIRST | FONTMAP_LAST
	binary.Write(buf, binary.LittleEndian, uint16(4)) // entrySize
	return wrapShareData(shareID, pduSource, PDUTYPE2_FONTMAP, buf.Bytes())
}

// buildSetErrorInfoPDU reports a fatal condition to the client before
// disconnecting (MS-RDPBCGR 2.2.5.1).
func buildSetErrorInfoPDU(shareID uint32, pduSource uint16, errorInfo uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, errorInfo)
	return wrapShareData(shareID, pduSource, PDUTYPE2_SET_ERROR_INFO_PDU, buf.Bytes())
}

// buildShutdownDeniedPDU rejects a client shutdown request, telling it
// to disconnect on its own terms (MS-RDPBCGR 2.2.2.3).
func buildShutdownDeniedPDU(shareID uint32, pduSource uint16) []byte {
	return wrapShareData(shareID, pduSource, PDUTYPE2_SHUTDOWN_DENIED, nil)
}

// buildMonitorLayoutPDU announces the session monitor layout after the
// demand active (MS-RDPBCGR 2.2.12.1).
func buildMonitorLayoutPDU(shareID uint32, pduSource uint16, monitors []MonitorDef) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(monitors)))
	for _, m := range monitors {
		binary.Write(buf, binary.LittleEndian, m.Left)
		binary.Write(buf, binary.LittleEndian, m.Top)
		binary.Write(buf, binary.LittleEndian, m.Right)
		binary.Write(buf, binary.LittleEndian, m.Bottom)
		binary.Write(buf, binary.LittleEndian, m.Flags)
	}
	return wrapShareData(shareID, pduSource, PDUTYPE2_MONITOR_LAYOUT_PDU, buf.Bytes())
}

// buildDeactivateAllPDU starts a deactivation-reactivation sequence
// (MS-RDPBCGR 2.2.3.1).
func buildDeactivateAllPDU(shareID uint32, pduSource uint16) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(0)) // patched below
	binary.Write(buf, binary.LittleEndian, uint16(PDUTYPE_DEACTIVATEALLPDU|SHARE_CONTROL_VERSION))
	binary.Write(buf, binary.LittleEndian, pduSource)
	binary.Write(buf, binary.LittleEndian, shareID)
	binary.Write(buf, binary.LittleEndian, uint16(1)) // lengthSourceDescriptor
	buf.WriteByte(0)
	out := buf.Bytes()
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(out)))
	return out
}

// Pointer flags for mouse input events (MS-RDPBCGR 2.2.8.1.1.3.1.1.3)
const (
	PTRFLAGS_WHEEL   = 0x0200
	PTRFLAGS_MOVE    = 0x0800
	PTRFLAGS_BUTTON1 = 0x1000
	PTRFLAGS_BUTTON2 = 0x2000
	PTRFLAGS_BUTTON3 = 0x4000
	PTRFLAGS_DOWN    = 0x8000
)

// InputEvent is one slow-path input event (TS_INPUT_EVENT).
type InputEvent struct {
	EventTime   uint32
	MessageType uint16
	DeviceFlags uint16
	Param1      uint16
	Param2      uint16
}

// parseInputEventPDU decodes a client input PDU (MS-RDPBCGR 2.2.8.1.1.3).
func parseInputEventPDU(s *Stream) ([]InputEvent, error) {
	count, err := s.ReadUint16LE("numEvents")
	if err != nil {
		return nil, err
	}
	if err := s.Skip(2, "input pad"); err != nil {
		return nil, err
	}
	events := make([]InputEvent, 0, count)
	for i := uint16(0); i < count; i++ {
		var ev InputEvent
		if ev.EventTime, err = s.ReadUint32LE("eventTime"); err != nil {
			return nil, err
		}
		if ev.MessageType, err = s.ReadUint16LE("input messageType"); err != nil {
			return nil, err
		}
		if ev.DeviceFlags, err = s.ReadUint16LE("input deviceFlags"); err != nil {
			return nil, err
		}
		if ev.Param1, err = s.ReadUint16LE("input param1"); err != nil {
			return nil, err
		}
		if ev.Param2, err = s.ReadUint16LE("input param2"); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Rect is an inclusive desktop rectangle (TS_RECTANGLE16).
type Rect struct {
	Left, Top, Right, Bottom uint16
}

// SuppressOutputPDU is the parsed client display toggle
// (MS-RDPBCGR 2.2.11.3).
type SuppressOutputPDU struct {
	AllowDisplayUpdates bool
	DesktopRect         Rect
}

func parseSuppressOutputPDU(s *Stream) (*SuppressOutputPDU, error) {
	allow, err := s.ReadUint8("allowDisplayUpdates")
	if err != nil {
		return nil, err
	}
	if err := s.Skip(3, "suppress output pad"); err != nil {
		return nil, err
	}
	p := &SuppressOutputPDU{AllowDisplayUpdates: allow != 0}
	if !p.AllowDisplayUpdates {
		return p, nil
	}
	r := &p.DesktopRect
	for _, f := range []*uint16{&r.Left, &r.Top, &r.Right, &r.Bottom} {
		if *f, err = s.ReadUint16LE("desktop rect"); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// RefreshRectPDU is the parsed client redraw request
// (MS-RDPBCGR 2.2.11.2).
type RefreshRectPDU struct {
	Areas []Rect
}

func parseRefreshRectPDU(s *Stream) (*RefreshRectPDU, error) {
	count, err := s.ReadUint8("numberOfAreas")
	if err != nil {
		return nil, err
	}
	if err := s.Skip(3, "refresh rect pad"); err != nil {
		return nil, err
	}
	p := &RefreshRectPDU{}
	for i := uint8(0); i < count; i++ {
		var rect Rect
		for _, f := range []*uint16{&rect.Left, &rect.Top, &rect.Right, &rect.Bottom} {
			if *f, err = s.ReadUint16LE("inclusive rect"); err != nil {
				return nil, err
			}
		}
		p.Areas = append(p.Areas, rect)
	}
	return p, nil
}

// parseFrameAcknowledgePDU returns the acknowledged frame id
// (MS-RDPRFX 2.2.3.1, carried as a share data PDU).
func parseFrameAcknowledgePDU(s *Stream) (uint32, error) {
	return s.ReadUint32LE("frameId")
}

// parseFontListPDU validates the client font list; its contents are
// ignored beyond confirming the final fragment (listFlags bit 2).
func parseFontListPDU(s *Stream) error {
	if s.Len() == 0 {
		// Some clients send an empty font list body.
		return nil
	}
	if err := s.Skip(4, "font list counts"); err != nil {
		return err
	}
	if _, err := s.ReadUint16LE("font list flags"); err != nil {
		return err
	}
	return s.Skip(2, "font list entrySize")
}

func dataPDUName(pduType2 uint8) string {
	switch pduType2 {
	case PDUTYPE2_UPDATE:
		return "Update"
	case PDUTYPE2_CONTROL:
		return "Control"
	case PDUTYPE2_INPUT:
		return "Input"
	case PDUTYPE2_SYNCHRONIZE:
		return "Synchronize"
	case PDUTYPE2_REFRESH_RECT:
		return "Refresh Rect"
	case PDUTYPE2_SUPPRESS_OUTPUT:
		return "Suppress Output"
	case PDUTYPE2_SHUTDOWN_REQUEST:
		return "Shutdown Request"
	case PDUTYPE2_FONTLIST:
		return "Font List"
	case PDUTYPE2_FONTMAP:
		return "Font Map"
	case PDUTYPE2_BITMAPCACHE_PERSISTENT_LIST:
		return "Persistent Key List"
	case PDUTYPE2_SET_ERROR_INFO_PDU:
		return "Set Error Info"
	case PDUTYPE2_FRAME_ACKNOWLEDGE:
		return "Frame Acknowledge"
	case PDUTYPE2_MONITOR_LAYOUT_PDU:
		return "Monitor Layout"
	default:
		return fmt.Sprintf("0x%02X", pduType2)
	}
}
