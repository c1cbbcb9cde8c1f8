// Package position implements the coordinate mapping between a stream's
// logical (termId, termOffset) frame address, its byte position from the
// start of the stream, and the physical (segmentIndex, segmentOffset) of the
// byte within an archive recording.
package position

import "fmt"

// Coordinates identifies where a single recorded byte lives inside the
// segmented on-disk layout.
type Coordinates struct {
	SegmentIndex  int64
	SegmentOffset int64
}

// TermsPerSegment returns segmentFileLength / termBufferLength. Callers are
// expected to have already validated that segmentFileLength is a positive
// multiple of termBufferLength whose quotient is a power of two.
func TermsPerSegment(segmentFileLength, termBufferLength int64) int64 {
	return segmentFileLength / termBufferLength
}

// ValidateGeometry checks the recording geometry invariants: segmentFileLength
// must be a positive multiple of termBufferLength, and the number of terms per
// segment must be a power of two (so segment-internal arithmetic is a masked
// shift).
func ValidateGeometry(termBufferLength, segmentFileLength int64) error {
	if termBufferLength <= 0 || segmentFileLength <= 0 {
		return fmt.Errorf("position: termBufferLength and segmentFileLength must be positive")
	}
	if segmentFileLength%termBufferLength != 0 {
		return fmt.Errorf("position: segmentFileLength %d is not a multiple of termBufferLength %d", segmentFileLength, termBufferLength)
	}
	terms := segmentFileLength / termBufferLength
	if terms&(terms-1) != 0 {
		return fmt.Errorf("position: terms-per-segment %d is not a power of two", terms)
	}
	return nil
}

// Locate computes the (segmentIndex, segmentOffset) of a frame identified by
// (termId, termOffset):
//
//	termInSegment = (termId - initialTermId) & termsMask
//	segmentOffset = termInSegment * termBufferLength + termOffset
//	segmentIndex  = (termId - initialTermId) / termsPerSegment
func Locate(termId, initialTermId int32, termOffset int64, termBufferLength, segmentFileLength int64) Coordinates {
	termsPerSegment := TermsPerSegment(segmentFileLength, termBufferLength)
	termsMask := termsPerSegment - 1
	termDelta := int64(termId - initialTermId)
	termInSegment := termDelta & termsMask
	return Coordinates{
		SegmentIndex:  termDelta / termsPerSegment,
		SegmentOffset: termInSegment*termBufferLength + termOffset,
	}
}

// StreamPosition computes the byte offset from the start of the stream for a
// frame at (termId, termOffset):
//
//	position = (termId - initialTermId) * termBufferLength + termOffset
func StreamPosition(termId, initialTermId int32, termOffset, termBufferLength int64) int64 {
	return int64(termId-initialTermId)*termBufferLength + termOffset
}

// SegmentOfPosition returns the segment index and the in-segment byte offset
// for an arbitrary stream position, relative to a recording's initialPosition.
// Dividing the absolute position by segmentFileLength alone would mis-index
// the segment whenever initialPosition isn't segment-aligned, so the first
// segment's already-consumed offset is folded in.
func SegmentOfPosition(pos, initialPosition, segmentFileLength int64) (segmentIndex, segmentOffset int64) {
	firstSegmentOffset := initialPosition % segmentFileLength
	relative := pos - initialPosition + firstSegmentOffset
	return relative / segmentFileLength, relative % segmentFileLength
}

// CrossesTerm reports whether a write of length n starting at termOffset
// would run past the end of a term of length termBufferLength.
func CrossesTerm(termOffset, n, termBufferLength int64) bool {
	return termOffset+n > termBufferLength
}
