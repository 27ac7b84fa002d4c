package rdp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCapabilitySet struct {
	Type uint16
	Body []byte
}

// buildTestConfirmActive encodes a confirm active body the way mstsc
// does, without the share control header.
func buildTestConfirmActive(shareID uint32, sets []testCapabilitySet) []byte {
	caps := new(bytes.Buffer)
	for _, set := range sets {
		binary.Write(caps, binary.LittleEndian, set.Type)
		binary.Write(caps, binary.LittleEndian, uint16(4+len(set.Body)))
		caps.Write(set.Body)
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, shareID)
	binary.Write(buf, binary.LittleEndian, uint16(0x03EA)) // originatorId
	binary.Write(buf, binary.LittleEndian, uint16(6))      // lengthSourceDescriptor
	binary.Write(buf, binary.LittleEndian, uint16(4+caps.Len()))
	buf.WriteString("MSTSC\x00")
	binary.Write(buf, binary.LittleEndian, uint16(len(sets)))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // pad
	caps.WriteTo(buf)
	return buf.Bytes()
}

func bitmapCapBody(bpp, width, height uint16) []byte {
	body := make([]byte, 24)
	binary.LittleEndian.PutUint16(body[0:], bpp)
	binary.LittleEndian.PutUint16(body[8:], width)
	binary.LittleEndian.PutUint16(body[10:], height)
	return body
}

func inputCapBody(flags uint16) []byte {
	body := make([]byte, 84)
	binary.LittleEndian.PutUint16(body[0:], flags)
	return body
}

func vcCapBody(compression, chunkSize uint32) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:], compression)
	binary.LittleEndian.PutUint32(body[4:], chunkSize)
	return body
}

func TestParseConfirmActivePDU(t *testing.T) {
	raw := buildTestConfirmActive(0x1000F, []testCapabilitySet{
		{CAPSTYPE_BITMAP, bitmapCapBody(16, 1920, 1080)},
		{CAPSTYPE_INPUT, inputCapBody(INPUT_FLAG_SCANCODES | INPUT_FLAG_FASTPATH_INPUT2)},
		{CAPSTYPE_VIRTUALCHANNEL, vcCapBody(VCCAPS_COMPR_SC, 4096)},
		{CAPSTYPE_MULTIFRAGMENTUPDATE, []byte{0x00, 0x40, 0x00, 0x00}},
		{0xFFAA, []byte{0x01, 0x02}}, // unknown set, kept raw
	})

	caps, err := parseConfirmActivePDU(NewStream(raw))
	require.NoError(t, err)

	assert.Equal(t, uint16(16), caps.PreferredBPP)
	assert.Equal(t, uint16(1920), caps.DesktopWidth)
	assert.Equal(t, uint16(1080), caps.DesktopHeight)
	assert.True(t, caps.FastPathInput)
	assert.Equal(t, uint32(VCCAPS_COMPR_SC), caps.VCCompressionFlags)
	assert.Equal(t, uint32(4096), caps.VCChunkSize)
	assert.Equal(t, uint32(0x4000), caps.MultifragMaxSize)
	assert.Contains(t, caps.Sets, uint16(0xFFAA))
	assert.Len(t, caps.Sets, 5)
}

func TestParseConfirmActivePDUChunkSizeBounds(t *testing.T) {
	// Out-of-range chunk sizes fall back to the protocol default.
	for _, chunk := range []uint32{0, 100, 99999} {
		raw := buildTestConfirmActive(1, []testCapabilitySet{
			{CAPSTYPE_VIRTUALCHANNEL, vcCapBody(VCCAPS_NO_COMPR, chunk)},
		})
		caps, err := parseConfirmActivePDU(NewStream(raw))
		require.NoError(t, err)
		assert.Equal(t, uint32(DefaultVCChunkSize), caps.VCChunkSize, "chunk %d", chunk)
	}
}

func TestParseConfirmActivePDUErrors(t *testing.T) {
	raw := buildTestConfirmActive(1, []testCapabilitySet{
		{CAPSTYPE_BITMAP, bitmapCapBody(16, 800, 600)},
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := parseConfirmActivePDU(NewStream(raw[:14]))
		assert.ErrorIs(t, err, ErrTruncatedPDU)
	})

	t.Run("capability length below header", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		// lengthCapability lives right after the set type.
		binary.LittleEndian.PutUint16(bad[len(bad)-24-2:], 2)
		_, err := parseConfirmActivePDU(NewStream(bad))
		assert.ErrorIs(t, err, ErrInvalidHeader)
	})
}

func TestBuildDemandActivePDU(t *testing.T) {
	cfg := &ServerCapabilitiesConfig{
		DesktopWidth:  1280,
		DesktopHeight: 720,
		ColorDepth:    16,
		VCChunkSize:   1600,
	}
	raw := buildDemandActivePDU(0x10001, 1002, cfg)

	s := NewStream(raw)
	totalLength, _ := s.ReadUint16LE("totalLength")
	assert.Equal(t, len(raw), int(totalLength), "share control header length covers the PDU")
	pduType, _ := s.ReadUint16LE("pduType")
	assert.Equal(t, uint16(PDUTYPE_DEMANDACTIVEPDU), pduType&0x1F)
	pduSource, _ := s.ReadUint16LE("pduSource")
	assert.Equal(t, uint16(1002), pduSource)

	shareID, _ := s.ReadUint32LE("shareId")
	assert.Equal(t, uint32(0x10001), shareID)

	srcDescLen, _ := s.ReadUint16LE("lengthSourceDescriptor")
	combinedLen, _ := s.ReadUint16LE("lengthCombinedCapabilities")
	srcDesc, err := s.ReadBytes(int(srcDescLen), "sourceDescriptor")
	require.NoError(t, err)
	assert.Equal(t, []byte("RDP\x00"), srcDesc)

	numCaps, _ := s.ReadUint16LE("numberCapabilities")
	s.Skip(2, "pad")
	assert.Equal(t, int(combinedLen), s.Len(), "combined length covers count, pad, and sets")

	// Walk every advertised set; the bitmap set must echo the config.
	var sawBitmap, sawInput, sawVC bool
	for i := uint16(0); i < numCaps; i++ {
		capType, _ := s.ReadUint16LE("capabilitySetType")
		capLen, _ := s.ReadUint16LE("lengthCapability")
		body, err := s.ReadBytes(int(capLen)-4, "capability body")
		require.NoError(t, err)

		switch capType {
		case CAPSTYPE_BITMAP:
			sawBitmap = true
			assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(body[0:]))
			assert.Equal(t, uint16(1280), binary.LittleEndian.Uint16(body[8:]))
			assert.Equal(t, uint16(720), binary.LittleEndian.Uint16(body[10:]))
		case CAPSTYPE_INPUT:
			sawInput = true
			flags := binary.LittleEndian.Uint16(body[0:])
			assert.NotZero(t, flags&INPUT_FLAG_FASTPATH_INPUT)
		case CAPSTYPE_VIRTUALCHANNEL:
			sawVC = true
			assert.Equal(t, uint32(1600), binary.LittleEndian.Uint32(body[4:]))
		}
	}
	assert.True(t, sawBitmap)
	assert.True(t, sawInput)
	assert.True(t, sawVC)
	assert.Equal(t, 4, s.Len(), "sessionId trails the capability sets")
}
