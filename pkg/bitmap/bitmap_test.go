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

package bitmap

import (
	"encoding/binary"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestEncodeSingleStrip(t *testing.T) {
	img := solidImage(4, 2, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xFF})
	rects, err := Encode(img, 100, 50, 32)
	require.NoError(t, err)
	require.Len(t, rects, 1)

	r := rects[0]
	assert.Equal(t, uint16(100), r.DestLeft)
	assert.Equal(t, uint16(50), r.DestTop)
	assert.Equal(t, uint16(103), r.DestRight, "inclusive right edge")
	assert.Equal(t, uint16(51), r.DestBottom)
	assert.Equal(t, uint16(4), r.Width)
	assert.Equal(t, uint16(2), r.Height)
	assert.Len(t, r.Data, 4*2*4)

	// BGRX pixel order.
	assert.Equal(t, []byte{0x30, 0x20, 0x10, 0xFF}, r.Data[:4])
}

func TestEncodeStripSplitting(t *testing.T) {
	// 1024 px * 4 bytes = 4096 bytes per row, so 4 rows per strip.
	img := solidImage(1024, 10, color.RGBA{A: 0xFF})
	rects, err := Encode(img, 0, 0, 32)
	require.NoError(t, err)
	require.Len(t, rects, 3, "10 rows in strips of 4+4+2")

	assert.Equal(t, uint16(4), rects[0].Height)
	assert.Equal(t, uint16(0), rects[0].DestTop)
	assert.Equal(t, uint16(3), rects[0].DestBottom)

	assert.Equal(t, uint16(4), rects[1].Height)
	assert.Equal(t, uint16(4), rects[1].DestTop)

	assert.Equal(t, uint16(2), rects[2].Height)
	assert.Equal(t, uint16(8), rects[2].DestTop)
	assert.Equal(t, uint16(9), rects[2].DestBottom)

	for _, r := range rects {
		assert.LessOrEqual(t, len(r.Data), maxRectData)
	}
}

func TestEncodeBottomUpRows(t *testing.T) {
	// Top row red, bottom row blue; wire order puts the bottom row first.
	img := image.NewRGBA(image.Rect(0, 0, 1, 2))
	img.SetRGBA(0, 0, color.RGBA{R: 0xFF, A: 0xFF})
	img.SetRGBA(0, 1, color.RGBA{B: 0xFF, A: 0xFF})

	rects, err := Encode(img, 0, 0, 24)
	require.NoError(t, err)
	require.Len(t, rects, 1)
	assert.Equal(t, []byte{0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF}, rects[0].Data)
}

func TestEncodeRGB565(t *testing.T) {
	img := solidImage(1, 1, color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF})
	rects, err := Encode(img, 0, 0, 16)
	require.NoError(t, err)
	require.Len(t, rects, 1)
	assert.Equal(t, []byte{0xFF, 0xFF}, rects[0].Data, "white is all bits set")

	img = solidImage(1, 1, color.RGBA{G: 0xFF, A: 0xFF})
	rects, err = Encode(img, 0, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x07E0), binary.LittleEndian.Uint16(rects[0].Data), "pure green occupies the middle 6 bits")
}

func TestEncodeErrors(t *testing.T) {
	img := solidImage(2, 2, color.RGBA{A: 0xFF})
	_, err := Encode(img, 0, 0, 8)
	assert.Error(t, err)

	rects, err := Encode(image.NewRGBA(image.Rect(0, 0, 0, 0)), 0, 0, 32)
	require.NoError(t, err)
	assert.Nil(t, rects, "empty image produces no rectangles")

	// A single row wider than the rectangle cap cannot be split.
	wide := image.NewRGBA(image.Rect(0, 0, 8192, 1))
	_, err = Encode(wide, 0, 0, 32)
	assert.Error(t, err)
}

func TestBuildUpdateData(t *testing.T) {
	rects := []Rectangle{
		{DestLeft: 1, DestTop: 2, DestRight: 4, DestBottom: 3, Width: 4, Height: 2, BitsPerPel: 16, Data: []byte{0xAA, 0xBB}},
		{Width: 1, Height: 1, BitsPerPel: 32, Data: []byte{1, 2, 3, 4}},
	}
	raw := BuildUpdateData(rects)

	assert.Equal(t, uint16(UpdateTypeBitmap), binary.LittleEndian.Uint16(raw[0:]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(raw[2:]))

	// First TS_BITMAP_DATA.
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(raw[4:]))   // destLeft
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(raw[6:]))   // destTop
	assert.Equal(t, uint16(4), binary.LittleEndian.Uint16(raw[8:]))   // destRight
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(raw[10:]))  // destBottom
	assert.Equal(t, uint16(4), binary.LittleEndian.Uint16(raw[12:]))  // width
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(raw[14:]))  // height
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(raw[16:])) // bitsPerPel
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(raw[18:]))  // flags
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(raw[20:]))  // bitmapLength
	assert.Equal(t, []byte{0xAA, 0xBB}, raw[22:24])

	// Second rectangle follows immediately.
	assert.Equal(t, uint16(4), binary.LittleEndian.Uint16(raw[40:]), "second bitmapLength")
	assert.Equal(t, []byte{1, 2, 3, 4}, raw[42:])
}
