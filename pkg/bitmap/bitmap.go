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

// Package bitmap encodes framebuffer regions as RDP bitmap updates
// (MS-RDPBCGR 2.2.9.1.1.3.1.2). Only uncompressed rectangles are
// produced; interleaved RLE is left to a codec layer.
package bitmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
)

// UpdateTypeBitmap is the updateType value of a bitmap graphics update.
const UpdateTypeBitmap = 0x0001

// maxRectData caps one TS_BITMAP_DATA payload so a rectangle plus its
// headers stays inside a single slow-path update PDU. Taller regions
// are split into horizontal strips.
const maxRectData = 16 * 1024

// Rectangle is one destination-anchored bitmap rectangle ready for the
// wire.
type Rectangle struct {
	DestLeft   uint16
	DestTop    uint16
	DestRight  uint16
	DestBottom uint16
	Width      uint16
	Height     uint16
	BitsPerPel uint16
	Data       []byte
}

// Encode converts img into wire rectangles positioned at (destX,
// destY), split into strips that respect the per-rectangle size cap.
// Supported depths are 16 (RGB565), 24 (BGR) and 32 (BGRX) bits.
func Encode(img image.Image, destX, destY int, bitsPerPel uint16) ([]Rectangle, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, nil
	}
	if width > 0xFFFF || height > 0xFFFF {
		return nil, fmt.Errorf("bitmap %dx%d exceeds protocol limits", width, height)
	}

	bytesPerPixel, err := bytesPerPel(bitsPerPel)
	if err != nil {
		return nil, err
	}

	stripRows := maxRectData / (width * bytesPerPixel)
	if stripRows < 1 {
		return nil, fmt.Errorf("bitmap row of %d bytes exceeds rectangle cap", width*bytesPerPixel)
	}

	var rects []Rectangle
	for top := 0; top < height; top += stripRows {
		rows := stripRows
		if top+rows > height {
			rows = height - top
		}
		data := encodePixels(img, bounds.Min.X, bounds.Min.Y+top, width, rows, bitsPerPel, bytesPerPixel)
		rects = append(rects, Rectangle{
			DestLeft:   uint16(destX),
			DestTop:    uint16(destY + top),
			DestRight:  uint16(destX + width - 1),
			DestBottom: uint16(destY + top + rows - 1),
			Width:      uint16(width),
			Height:     uint16(rows),
			BitsPerPel: bitsPerPel,
			Data:       data,
		})
	}
	return rects, nil
}

// encodePixels packs one strip bottom-up, the row order RDP bitmaps
// use.
func encodePixels(img image.Image, minX, minY, width, rows int, bitsPerPel uint16, bytesPerPixel int) []byte {
	data := make([]byte, 0, width*rows*bytesPerPixel)
	for y := rows - 1; y >= 0; y-- {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(minX+x, minY+y).RGBA()
			r8, g8, b8 := uint8(r>>8), uint8(g>>8), uint8(b>>8)

			switch bitsPerPel {
			case 16:
				pixel := uint16(r8>>3)<<11 | uint16(g8>>2)<<5 | uint16(b8>>3)
				data = append(data, byte(pixel), byte(pixel>>8))
			case 24:
				data = append(data, b8, g8, r8)
			case 32:
				data = append(data, b8, g8, r8, 0xFF)
			}
		}
	}
	return data
}

func bytesPerPel(bitsPerPel uint16) (int, error) {
	switch bitsPerPel {
	case 16:
		return 2, nil
	case 24:
		return 3, nil
	case 32:
		return 4, nil
	default:
		return 0, fmt.Errorf("unsupported bits per pixel: %d", bitsPerPel)
	}
}

// BuildUpdateData assembles a TS_UPDATE_BITMAP_DATA payload from the
// rectangles: updateType, rectangle count, then each TS_BITMAP_DATA
// with the NO_BITMAP_COMPRESSION_HDR-free uncompressed layout.
func BuildUpdateData(rects []Rectangle) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(UpdateTypeBitmap))
	binary.Write(buf, binary.LittleEndian, uint16(len(rects)))

	for _, r := range rects {
		binary.Write(buf, binary.LittleEndian, r.DestLeft)
		binary.Write(buf, binary.LittleEndian, r.DestTop)
		binary.Write(buf, binary.LittleEndian, r.DestRight)
		binary.Write(buf, binary.LittleEndian, r.DestBottom)
		binary.Write(buf, binary.LittleEndian, r.Width)
		binary.Write(buf, binary.LittleEndian, r.Height)
		binary.Write(buf, binary.LittleEndian, r.BitsPerPel)
		binary.Write(buf, binary.LittleEndian, uint16(0)) // flags: uncompressed
		binary.Write(buf, binary.LittleEndian, uint16(len(r.Data)))
		buf.Write(r.Data)
	}
	return buf.Bytes()
}
