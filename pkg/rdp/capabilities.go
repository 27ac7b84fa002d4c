package rdp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Capability exchange (MS-RDPBCGR 2.2.1.13): the server demands
// activation with its capability sets, the client confirms with its
// own. Capability sets are TLV-encoded; unknown types are skipped.

// General capability extraFlags (MS-RDPBCGR 2.2.7.1.1)
const (
	FASTPATH_OUTPUT_SUPPORTED  = 0x0001
	NO_BITMAP_COMPRESSION_HDR  = 0x0400
	LONG_CREDENTIALS_SUPPORTED = 0x0004
	AUTORECONNECT_SUPPORTED    = 0x0008
	ENC_SALTED_CHECKSUM        = 0x0010
)

// Order capability flags (MS-RDPBCGR 2.2.7.1.3)
const (
	NEGOTIATEORDERSUPPORT   = 0x0002
	ZEROBOUNDSDELTASSUPPORT = 0x0008
	COLORINDEXSUPPORT       = 0x0020
	SOLIDPATTERNBRUSHONLY   = 0x0040
)

// Input capability flags (MS-RDPBCGR 2.2.7.1.6)
const (
	INPUT_FLAG_SCANCODES       = 0x0001
	INPUT_FLAG_MOUSEX          = 0x0004
	INPUT_FLAG_FASTPATH_INPUT  = 0x0008
	INPUT_FLAG_UNICODE         = 0x0010
	INPUT_FLAG_FASTPATH_INPUT2 = 0x0020
)

// Virtual channel capability flags (MS-RDPBCGR 2.2.7.1.10)
const (
	VCCAPS_NO_COMPR    = 0x00000000
	VCCAPS_COMPR_SC    = 0x00000001
	VCCAPS_COMPR_CS_8K = 0x00000002
)

// ClientCapabilities is what the server retains from the confirm
// active PDU.
type ClientCapabilities struct {
	// Raw sets by type, for callers that inspect beyond the common ones.
	Sets map[uint16][]byte

	DesktopWidth  uint16
	DesktopHeight uint16
	PreferredBPP  uint16

	InputFlags         uint16
	FastPathInput      bool
	VCCompressionFlags uint32
	VCChunkSize        uint32
	MultifragMaxSize   uint32
}

// ServerCapabilitiesConfig drives what the demand active advertises.
type ServerCapabilitiesConfig struct {
	DesktopWidth  uint16
	DesktopHeight uint16
	ColorDepth    uint16
	VCChunkSize   uint32
}

// buildDemandActivePDU builds the full server demand active
// (MS-RDPBCGR 2.2.1.13.1), including the share control header.
func buildDemandActivePDU(shareID uint32, pduSource uint16, cfg *ServerCapabilitiesConfig) []byte {
	caps := new(bytes.Buffer)
	numCaps := 0

	for _, add := range []func(*bytes.Buffer, *ServerCapabilitiesConfig){
		addGeneralCapabilitySet,
		addBitmapCapabilitySet,
		addOrderCapabilitySet,
		addPointerCapabilitySet,
		addShareCapabilitySet,
		addColorCacheCapabilitySet,
		addInputCapabilitySet,
		addFontCapabilitySet,
		addVirtualChannelCapabilitySet,
		addMultifragmentUpdateCapabilitySet,
	} {
		add(caps, cfg)
		numCaps++
	}
	capsData := caps.Bytes()

	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, shareID)
	binary.Write(body, binary.LittleEndian, uint16(4)) // lengthSourceDescriptor
	binary.Write(body, binary.LittleEndian, uint16(len(capsData)+4))
	body.WriteString("RDP\x00")
	binary.Write(body, binary.LittleEndian, uint16(numCaps))
	binary.Write(body, binary.LittleEndian, uint16(0)) // pad
	body.Write(capsData)
	binary.Write(body, binary.LittleEndian, uint32(shareID&0xFFFF)) // sessionId

	pdu := new(bytes.Buffer)
	binary.Write(pdu, binary.LittleEndian, uint16(body.Len()+6))
	binary.Write(pdu, binary.LittleEndian, uint16(PDUTYPE_DEMANDACTIVEPDU|SHARE_CONTROL_VERSION))
	binary.Write(pdu, binary.LittleEndian, pduSource)
	body.WriteTo(pdu)
	return pdu.Bytes()
}

// parseConfirmActivePDU parses the client confirm active body; the
// share control header has already been consumed.
func parseConfirmActivePDU(s *Stream) (*ClientCapabilities, error) {
	if _, err := s.ReadUint32LE("confirm active shareId"); err != nil {
		return nil, err
	}
	if err := s.Skip(2, "originatorId"); err != nil {
		return nil, err
	}
	srcDescLen, err := s.ReadUint16LE("lengthSourceDescriptor")
	if err != nil {
		return nil, err
	}
	combinedLen, err := s.ReadUint16LE("lengthCombinedCapabilities")
	if err != nil {
		return nil, err
	}
	if err := s.Skip(int(srcDescLen), "sourceDescriptor"); err != nil {
		return nil, err
	}
	numCaps, err := s.ReadUint16LE("numberCapabilities")
	if err != nil {
		return nil, err
	}
	if err := s.Skip(2, "capabilities pad"); err != nil {
		return nil, err
	}
	if int(combinedLen) < 4 {
		return nil, fmt.Errorf("lengthCombinedCapabilities %d: %w", combinedLen, ErrInvalidHeader)
	}

	caps := &ClientCapabilities{
		Sets:        make(map[uint16][]byte, numCaps),
		VCChunkSize: DefaultVCChunkSize,
	}

	for i := uint16(0); i < numCaps; i++ {
		capType, err := s.ReadUint16LE("capabilitySetType")
		if err != nil {
			return nil, err
		}
		capLen, err := s.ReadUint16LE("lengthCapability")
		if err != nil {
			return nil, err
		}
		if capLen < 4 {
			return nil, fmt.Errorf("capability set 0x%04X length %d: %w", capType, capLen, ErrInvalidHeader)
		}
		body, err := s.ReadBytes(int(capLen)-4, "capability set body")
		if err != nil {
			return nil, err
		}
		caps.Sets[capType] = body

		switch capType {
		case CAPSTYPE_BITMAP:
			if len(body) >= 12 {
				caps.PreferredBPP = binary.LittleEndian.Uint16(body[0:])
				caps.DesktopWidth = binary.LittleEndian.Uint16(body[8:])
				caps.DesktopHeight = binary.LittleEndian.Uint16(body[10:])
			}
		case CAPSTYPE_INPUT:
			if len(body) >= 2 {
				caps.InputFlags = binary.LittleEndian.Uint16(body)
				caps.FastPathInput = caps.InputFlags&(INPUT_FLAG_FASTPATH_INPUT|INPUT_FLAG_FASTPATH_INPUT2) != 0
			}
		case CAPSTYPE_VIRTUALCHANNEL:
			if len(body) >= 4 {
				caps.VCCompressionFlags = binary.LittleEndian.Uint32(body)
			}
			if len(body) >= 8 {
				if v := binary.LittleEndian.Uint32(body[4:]); v >= 1600 && v <= 16256 {
					caps.VCChunkSize = v
				}
			}
		case CAPSTYPE_MULTIFRAGMENTUPDATE:
			if len(body) >= 4 {
				caps.MultifragMaxSize = binary.LittleEndian.Uint32(body)
			}
		}
	}

	return caps, nil
}

func addGeneralCapabilitySet(buf *bytes.Buffer, _ *ServerCapabilitiesConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_GENERAL))
	binary.Write(buf, binary.LittleEndian, uint16(24))
	binary.Write(buf, binary.LittleEndian, uint16(1))      // osMajorType: Windows
	binary.Write(buf, binary.LittleEndian, uint16(3))      // osMinorType: NT
	binary.Write(buf, binary.LittleEndian, uint16(0x0200)) // protocolVersion
	extraFlags := uint16(LONG_CREDENTIALS_SUPPORTED | NO_BITMAP_COMPRESSION_HDR |
		AUTORECONNECT_SUPPORTED | FASTPATH_OUTPUT_SUPPORTED)
	binary.Write(buf, binary.LittleEndian, extraFlags)
	buf.Write(make([]byte, 12))
}

func addBitmapCapabilitySet(buf *bytes.Buffer, cfg *ServerCapabilitiesConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_BITMAP))
	binary.Write(buf, binary.LittleEndian, uint16(28))
	binary.Write(buf, binary.LittleEndian, cfg.ColorDepth)
	binary.Write(buf, binary.LittleEndian, uint16(1)) // receive1BitPerPixel
	binary.Write(buf, binary.LittleEndian, uint16(1)) // receive4BitsPerPixel
	binary.Write(buf, binary.LittleEndian, uint16(1)) // receive8BitsPerPixel
	binary.Write(buf, binary.LittleEndian, cfg.DesktopWidth)
	binary.Write(buf, binary.LittleEndian, cfg.DesktopHeight)
	buf.Write(make([]byte, 2))                        // pad
	binary.Write(buf, binary.LittleEndian, uint16(1)) // desktopResizeFlag
	binary.Write(buf, binary.LittleEndian, uint16(1)) // bitmapCompressionFlag
	buf.WriteByte(0)                                  // highColorFlags
	buf.WriteByte(0)                                  // drawingFlags
	binary.Write(buf, binary.LittleEndian, uint16(1)) // multipleRectangleSupport
	buf.Write(make([]byte, 2))                        // pad
}

func addOrderCapabilitySet(buf *bytes.Buffer, _ *ServerCapabilitiesConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_ORDER))
	binary.Write(buf, binary.LittleEndian, uint16(88))
	buf.Write(make([]byte, 16))                        // terminalDescriptor
	buf.Write(make([]byte, 4))                         // pad
	binary.Write(buf, binary.LittleEndian, uint16(1))  // desktopSaveXGranularity
	binary.Write(buf, binary.LittleEndian, uint16(20)) // desktopSaveYGranularity
	buf.Write(make([]byte, 2))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // maximumOrderLevel
	binary.Write(buf, binary.LittleEndian, uint16(0)) // numberFonts
	binary.Write(buf, binary.LittleEndian, uint16(NEGOTIATEORDERSUPPORT|ZEROBOUNDSDELTASSUPPORT))
	buf.Write(make([]byte, 32)) // orderSupport: no drawing orders offered
	buf.Write(make([]byte, 20)) // textFlags through pad
}

func addPointerCapabilitySet(buf *bytes.Buffer, _ *ServerCapabilitiesConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_POINTER))
	binary.Write(buf, binary.LittleEndian, uint16(10))
	binary.Write(buf, binary.LittleEndian, uint16(1))  // colorPointerFlag
	binary.Write(buf, binary.LittleEndian, uint16(20)) // colorPointerCacheSize
	binary.Write(buf, binary.LittleEndian, uint16(20)) // pointerCacheSize
}

func addShareCapabilitySet(buf *bytes.Buffer, _ *ServerCapabilitiesConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_SHARE))
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, uint16(MCS_CHANNEL_USER_BASE+1)) // nodeID
	binary.Write(buf, binary.LittleEndian, uint16(0))                       // pad
}

func addColorCacheCapabilitySet(buf *bytes.Buffer, _ *ServerCapabilitiesConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_COLORCACHE))
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, uint16(6)) // colorTableCacheSize
	binary.Write(buf, binary.LittleEndian, uint16(0)) // pad
}

func addInputCapabilitySet(buf *bytes.Buffer, _ *ServerCapabilitiesConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_INPUT))
	binary.Write(buf, binary.LittleEndian, uint16(88))
	flags := uint16(INPUT_FLAG_SCANCODES | INPUT_FLAG_MOUSEX | INPUT_FLAG_UNICODE |
		INPUT_FLAG_FASTPATH_INPUT | INPUT_FLAG_FASTPATH_INPUT2)
	binary.Write(buf, binary.LittleEndian, flags)
	binary.Write(buf, binary.LittleEndian, uint16(0))      // pad
	binary.Write(buf, binary.LittleEndian, uint32(0x0409)) // keyboardLayout
	binary.Write(buf, binary.LittleEndian, uint32(4))      // keyboardType
	binary.Write(buf, binary.LittleEndian, uint32(0))      // keyboardSubType
	binary.Write(buf, binary.LittleEndian, uint32(12))     // keyboardFunctionKey
	buf.Write(make([]byte, 64))                            // imeFileName
}

func addFontCapabilitySet(buf *bytes.Buffer, _ *ServerCapabilitiesConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_FONT))
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // FONTSUPPORT_FONTLIST
	binary.Write(buf, binary.LittleEndian, uint16(0)) // pad
}

func addVirtualChannelCapabilitySet(buf *bytes.Buffer, cfg *ServerCapabilitiesConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_VIRTUALCHANNEL))
	binary.Write(buf, binary.LittleEndian, uint16(12))
	binary.Write(buf, binary.LittleEndian, uint32(VCCAPS_NO_COMPR))
	binary.Write(buf, binary.LittleEndian, cfg.VCChunkSize)
}

func addMultifragmentUpdateCapabilitySet(buf *bytes.Buffer, _ *ServerCapabilitiesConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_MULTIFRAGMENTUPDATE))
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, uint32(65535)) // maxRequestSize
}
