package fileindex

// Piece bitmaps are stored as MSB-first byte blobs: piece i maps to bit
// (0x80 >> (i & 7)) of byte i>>3. This layout is part of the persisted
// torrent_status schema.

// BitmapIsSet reports whether bit i is set. Bits beyond the blob are
// treated as unset.
func BitmapIsSet(bitmap []byte, i int64) bool {
	if i < 0 || int(i>>3) >= len(bitmap) {
		return false
	}
	return bitmap[i>>3]&(0x80>>(i&7)) != 0
}

// BitmapSet sets bit i. The blob must be large enough; see NewBitmap.
func BitmapSet(bitmap []byte, i int64) {
	bitmap[i>>3] |= 0x80 >> (i & 7)
}

// NewBitmap allocates a zeroed bitmap able to hold n pieces.
func NewBitmap(n int64) []byte {
	return make([]byte, (n+7)/8)
}

// RangeIsComplete reports whether every piece overlapping the byte range
// [start, stop) is set in the bitmap.
func RangeIsComplete(bitmap []byte, pieceLength, start, stop int64) bool {
	first, end := RangeToPieces(pieceLength, start, stop)
	for piece := first; piece < end; piece++ {
		if !BitmapIsSet(bitmap, piece) {
			return false
		}
	}
	return true
}
