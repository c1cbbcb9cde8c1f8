// Package cursor implements FragmentCursor, the forward-only replay reader.
// It walks a recording's segment files in order, decoding one
// frame-length-delimited data frame at a time and transparently reopening
// the next segment file when the current one is exhausted. Where the
// recorder advances its write cursor by a caller-supplied length, this
// advances a read cursor by the length each frame itself declares.
package cursor

import (
	"encoding/binary"
	"log/slog"
	"os"

	"github.com/migue/arkive/internal/archive/archerrors"
	"github.com/migue/arkive/internal/archive/position"
	"github.com/migue/arkive/internal/archive/segment"
	"github.com/migue/arkive/internal/archive/transport"
	"github.com/migue/arkive/internal/logging"
)

// frameAlignment is the transport's frame alignment: every frame's on-disk
// footprint is its declared length rounded up to a 32-byte boundary.
const frameAlignment = 32

// frameHeaderLength is the fixed portion of a data frame preceding its
// payload: frameLength(4) version(1) flags(1) type(2) termOffset(4)
// sessionId(4) streamId(4) termId(4) reservedValue(8).
const frameHeaderLength = 32

// Unbounded tells Open that a replay has no fixed end position; the cursor
// runs until it hits a zero frameLength (the live write boundary) instead.
const Unbounded int64 = -1

// Action is returned by a Consumer to control the poll loop: either keep
// going or stop the current ControlledPoll call early without marking the
// cursor done (used by a ReplaySession when its outbound publication is
// momentarily back-pressured).
type Action int

const (
	ContinueAction Action = iota
	AbortAction
)

// Consumer receives one decoded fragment per call.
type Consumer interface {
	OnFragment(buffer []byte, offset, length int, header transport.Header) Action
}

// FragmentCursor reads one recording's segment files in strictly increasing
// position order. It is single-threaded and not restartable once done.
type FragmentCursor struct {
	archiveDir        string
	recordingId       int64
	segmentFileLength int64
	initialPosition   int64

	position    int64
	endPosition int64

	segFile      *os.File
	segmentIndex int64
	segOffset    int64

	done bool
}

// Open opens a cursor at fromPosition and bounds it by replayLength bytes
// (or Unbounded). fromPosition must not precede the recording's
// initialPosition.
func Open(archiveDir string, recordingId, segmentFileLength, initialPosition, fromPosition, replayLength int64) (*FragmentCursor, error) {
	if fromPosition < initialPosition {
		return nil, archerrors.Wrap(archerrors.ErrBeforeStart, "fromPosition=%d initialPosition=%d", fromPosition, initialPosition)
	}

	segIdx, segOff := position.SegmentOfPosition(fromPosition, initialPosition, segmentFileLength)
	f, err := segment.OpenForRead(segment.DataPath(archiveDir, recordingId, segIdx))
	if err != nil {
		return nil, archerrors.Wrap(archerrors.ErrCursorOpenFailed, "%v", err)
	}

	var endPosition int64
	if replayLength == Unbounded {
		endPosition = int64(1)<<62 - 1
	} else {
		endPosition = fromPosition + replayLength
	}

	return &FragmentCursor{
		archiveDir:        archiveDir,
		recordingId:       recordingId,
		segmentFileLength: segmentFileLength,
		initialPosition:   initialPosition,
		position:          fromPosition,
		endPosition:       endPosition,
		segFile:           f,
		segmentIndex:      segIdx,
		segOffset:         segOff,
	}, nil
}

// IsDone reports whether the cursor has delivered every fragment within its
// bound, or hit the live write boundary.
func (c *FragmentCursor) IsDone() bool { return c.done }

// Position returns the cursor's current absolute stream position.
func (c *FragmentCursor) Position() int64 { return c.position }

// ControlledPoll decodes up to frameLimit fragments and delivers each to
// consumer, stopping early if the consumer returns AbortAction, the replay
// bound is reached, or a zero frameLength is read — a zero length marks the
// end of what has been written so far. It returns the number of fragments
// delivered.
func (c *FragmentCursor) ControlledPoll(consumer Consumer, frameLimit int) (int, error) {
	delivered := 0
	for delivered < frameLimit {
		if c.done {
			return delivered, nil
		}
		if c.position >= c.endPosition {
			c.done = true
			return delivered, nil
		}

		var hdr [4]byte
		if _, err := c.segFile.ReadAt(hdr[:], c.segOffset); err != nil {
			return delivered, archerrors.Wrap(archerrors.ErrIoFailure, "read frame header at segment offset %d: %v", c.segOffset, err)
		}
		frameLength := int64(binary.LittleEndian.Uint32(hdr[:]))
		if frameLength == 0 {
			c.done = true
			return delivered, nil
		}

		payloadLength := frameLength - frameHeaderLength
		frame := make([]byte, frameLength)
		if _, err := c.segFile.ReadAt(frame, c.segOffset); err != nil {
			return delivered, archerrors.Wrap(archerrors.ErrIoFailure, "read frame body at segment offset %d: %v", c.segOffset, err)
		}

		header := decodeHeader(frame)
		if consumer.OnFragment(frame[frameHeaderLength:], 0, int(payloadLength), header) == AbortAction {
			// The consumer refused the fragment; keep the offset where it
			// is so the next poll redelivers it.
			return delivered, nil
		}

		aligned := alignUp(frameLength, frameAlignment)
		c.position += aligned
		c.segOffset += aligned

		if c.segOffset >= c.segmentFileLength {
			if err := c.rollSegment(); err != nil {
				return delivered, err
			}
		}

		delivered++
	}
	return delivered, nil
}

func (c *FragmentCursor) rollSegment() error {
	if err := c.segFile.Close(); err != nil {
		return archerrors.Wrap(archerrors.ErrIoFailure, "close segment %d: %v", c.segmentIndex, err)
	}
	c.segmentIndex++
	c.segOffset = 0
	if c.position >= c.endPosition {
		c.done = true
		return nil
	}
	f, err := segment.OpenForRead(segment.DataPath(c.archiveDir, c.recordingId, c.segmentIndex))
	if err != nil {
		return archerrors.Wrap(archerrors.ErrCursorOpenFailed, "%v", err)
	}
	c.segFile = f
	logging.VInfo("cursor", "segment opened",
		slog.Int64("recording_id", c.recordingId),
		slog.Int64("segment_index", c.segmentIndex))
	return nil
}

// Close releases the currently open segment file handle.
func (c *FragmentCursor) Close() error {
	if c.segFile == nil {
		return nil
	}
	err := c.segFile.Close()
	c.segFile = nil
	return err
}

func decodeHeader(frame []byte) transport.Header {
	return transport.Header{
		FrameLength:   int32(binary.LittleEndian.Uint32(frame[0:])),
		Flags:         frame[5],
		HeaderType:    int32(binary.LittleEndian.Uint16(frame[6:])),
		TermOffset:    int64(binary.LittleEndian.Uint32(frame[8:])),
		TermId:        int32(binary.LittleEndian.Uint32(frame[20:])),
		ReservedValue: int64(binary.LittleEndian.Uint64(frame[24:])),
	}
}

func alignUp(length, alignment int64) int64 {
	return (length + alignment - 1) &^ (alignment - 1)
}
