package fileindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapMSBFirst(t *testing.T) {
	bm := NewBitmap(16)

	BitmapSet(bm, 0)
	assert.Equal(t, byte(0x80), bm[0], "piece 0 is the high bit of byte 0")

	BitmapSet(bm, 7)
	assert.Equal(t, byte(0x81), bm[0])

	BitmapSet(bm, 8)
	assert.Equal(t, byte(0x80), bm[1], "piece 8 is the high bit of byte 1")

	assert.True(t, BitmapIsSet(bm, 0))
	assert.True(t, BitmapIsSet(bm, 7))
	assert.True(t, BitmapIsSet(bm, 8))
	assert.False(t, BitmapIsSet(bm, 1))
	assert.False(t, BitmapIsSet(bm, 15))
}

func TestBitmapIsSetOutOfBounds(t *testing.T) {
	bm := NewBitmap(8)
	assert.False(t, BitmapIsSet(bm, -1))
	assert.False(t, BitmapIsSet(bm, 8))
	assert.False(t, BitmapIsSet(nil, 0))
}

func TestRangeIsComplete(t *testing.T) {
	bm := NewBitmap(4)
	BitmapSet(bm, 1)
	BitmapSet(bm, 2)

	assert.True(t, RangeIsComplete(bm, 100, 100, 300), "pieces 1 and 2 are set")
	assert.False(t, RangeIsComplete(bm, 100, 0, 300), "piece 0 is missing")
	assert.False(t, RangeIsComplete(bm, 100, 250, 350), "piece 3 is missing")
	assert.True(t, RangeIsComplete(bm, 100, 150, 150), "empty range is trivially complete")
}
