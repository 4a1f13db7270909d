// Package fileindex maps logical files to byte ranges within a torrent's
// linear piece space, and byte ranges to piece ranges.
package fileindex

// PieceRange is an inclusive range of piece indexes.
type PieceRange struct {
	First int64
	Last  int64
}

// Empty reports whether the range covers no pieces.
func (pr PieceRange) Empty() bool {
	return pr.Last < pr.First
}

// PieceSpan is a piece index together with the byte sub-range of that piece
// covered by some larger byte range.
type PieceSpan struct {
	Piece int64
	Start int64
	Stop  int64
}

// RangeToPieces converts the byte range [start, stop) to the half-open piece
// range [firstPiece, stopPiece). Pieces are zero-aligned. An empty byte range
// yields an empty piece range.
func RangeToPieces(pieceLength, start, stop int64) (int64, int64) {
	if stop <= start {
		return start / pieceLength, start / pieceLength
	}
	return start / pieceLength, (stop-1)/pieceLength + 1
}

// PiecewiseRanges splits the byte range [start, stop) into sub-ranges that
// each overlap exactly one piece.
func PiecewiseRanges(pieceLength, start, stop int64) []PieceSpan {
	first, end := RangeToPieces(pieceLength, start, stop)
	spans := make([]PieceSpan, 0, end-first)
	for piece := first; piece < end; piece++ {
		s := piece * pieceLength
		e := (piece + 1) * pieceLength
		if s < start {
			s = start
		}
		if e > stop {
			e = stop
		}
		spans = append(spans, PieceSpan{Piece: piece, Start: s, Stop: e})
	}
	return spans
}
