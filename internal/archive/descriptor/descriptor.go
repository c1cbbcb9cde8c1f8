// Package descriptor encodes and decodes the fixed-size per-recording
// metadata block. The layout is a small schema-versioned header of scalar
// fields followed by two length-prefixed UTF-8 strings (source, channel).
// Four scalar fields — initialPosition, lastPosition, startTime, and
// endTime — live at offsets fixed at encode time and are point-updated in
// place with WriteAt during live operation. The header length is written
// once by Create and is not updated afterwards.
package descriptor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// SchemaVersion guards structural evolution of the descriptor layout itself.
const SchemaVersion = 1

// Fixed byte offsets within the descriptor block. Everything before
// offSourceLength is of constant size; the two string fields follow it and
// are written exactly once, at descriptor initialization.
const (
	offHeaderLength      = 0
	offSchemaVersion     = 4
	offRecordingId       = 8
	offTermBufferLength  = 16
	offSegmentFileLength = 24
	offMtuLength         = 32
	offInitialTermId     = 36
	offSessionId         = 40
	offStreamId          = 44
	offStartTime         = 48
	offEndTime           = 56
	offInitialPosition   = 64
	offLastPosition      = 72
	offSourceLength      = 80
	fixedHeaderLength    = 84
)

// Unset is the sentinel value for startTime, endTime, initialPosition, and
// lastPosition before they are known.
const Unset int64 = -1

// Descriptor is the decoded form of a recording's metadata block.
type Descriptor struct {
	RecordingId       int64
	TermBufferLength  int64
	SegmentFileLength int64
	MtuLength         int32
	InitialTermId     int32
	SessionId         int32
	StreamId          int32
	Source            string
	Channel           string
	StartTime         int64
	EndTime           int64
	InitialPosition   int64
	LastPosition      int64
}

// EncodedLength returns the number of bytes the fixed header plus both
// length-prefixed strings occupy.
func (d Descriptor) EncodedLength() int64 {
	return fixedHeaderLength + 4 + int64(len(d.Source)) + 4 + int64(len(d.Channel))
}

// Writer owns an exclusively-created metadata file and the ability to
// point-update its four mutable scalar fields. It is the recorder's sole
// handle to the descriptor for the life of the recording.
type Writer struct {
	file                 *os.File
	forceMetadataUpdates bool
}

// Create creates the metadata file for recordingId exclusively (failing if it
// already exists), pads it to at least minLength bytes, and writes the full
// descriptor — including the two string fields, written here and never
// again. StartTime, EndTime, InitialPosition, and LastPosition are expected
// to be Unset by the caller; the recorder fills them in as the recording
// progresses.
func Create(path string, d Descriptor, minLength int64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("descriptor: create %s: %w", path, err)
	}
	length := d.EncodedLength()
	padded := length
	if padded < minLength {
		padded = minLength
	}
	if err := f.Truncate(padded); err != nil {
		f.Close()
		return nil, fmt.Errorf("descriptor: pre-size %s: %w", path, err)
	}

	buf := make([]byte, length)
	binary.LittleEndian.PutUint32(buf[offHeaderLength:], uint32(length))
	binary.LittleEndian.PutUint32(buf[offSchemaVersion:], SchemaVersion)
	binary.LittleEndian.PutUint64(buf[offRecordingId:], uint64(d.RecordingId))
	binary.LittleEndian.PutUint64(buf[offTermBufferLength:], uint64(d.TermBufferLength))
	binary.LittleEndian.PutUint64(buf[offSegmentFileLength:], uint64(d.SegmentFileLength))
	binary.LittleEndian.PutUint32(buf[offMtuLength:], uint32(d.MtuLength))
	binary.LittleEndian.PutUint32(buf[offInitialTermId:], uint32(d.InitialTermId))
	binary.LittleEndian.PutUint32(buf[offSessionId:], uint32(d.SessionId))
	binary.LittleEndian.PutUint32(buf[offStreamId:], uint32(d.StreamId))
	binary.LittleEndian.PutUint64(buf[offStartTime:], uint64(d.StartTime))
	binary.LittleEndian.PutUint64(buf[offEndTime:], uint64(d.EndTime))
	binary.LittleEndian.PutUint64(buf[offInitialPosition:], uint64(d.InitialPosition))
	binary.LittleEndian.PutUint64(buf[offLastPosition:], uint64(d.LastPosition))

	pos := fixedHeaderLength
	binary.LittleEndian.PutUint32(buf[offSourceLength:], uint32(len(d.Source)))
	pos += 4
	copy(buf[pos:], d.Source)
	pos += len(d.Source)
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(d.Channel)))
	pos += 4
	copy(buf[pos:], d.Channel)

	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("descriptor: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("descriptor: sync %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// SetForceMetadataUpdates controls whether scalar updates are followed by an
// explicit Sync.
func (w *Writer) SetForceMetadataUpdates(force bool) { w.forceMetadataUpdates = force }

func (w *Writer) writeScalar(offset int, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	if _, err := w.file.WriteAt(buf[:], int64(offset)); err != nil {
		return fmt.Errorf("descriptor: write scalar at %d: %w", offset, err)
	}
	if w.forceMetadataUpdates {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("descriptor: sync after scalar write: %w", err)
		}
	}
	return nil
}

// SetInitialPosition point-updates the initialPosition field. Set exactly
// once, on the first accepted write.
func (w *Writer) SetInitialPosition(v int64) error { return w.writeScalar(offInitialPosition, v) }

// SetLastPosition point-updates the lastPosition field. Called after every
// accepted write.
func (w *Writer) SetLastPosition(v int64) error { return w.writeScalar(offLastPosition, v) }

// SetStartTime point-updates the startTime field. Set exactly once, on the
// first accepted write.
func (w *Writer) SetStartTime(v int64) error { return w.writeScalar(offStartTime, v) }

// SetEndTime point-updates the endTime field. Set exactly once, at stop.
func (w *Writer) SetEndTime(v int64) error { return w.writeScalar(offEndTime, v) }

// Flush forces the metadata file's current contents durably to disk,
// independent of the forceMetadataUpdates policy (used by Recorder.Stop).
func (w *Writer) Flush() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("descriptor: flush: %w", err)
	}
	return nil
}

// Close releases the underlying file handle. Idempotent.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ErrTruncated is returned by Read when the header length the file declares
// is shorter than the fixed header. A file shorter than its declared header
// length fails the body read with a wrapped I/O error instead.
var ErrTruncated = errors.New("descriptor: file truncated before declared header length")

// Read opens the metadata file at path read-only and decodes the full
// descriptor. Replay sessions use this to learn termBufferLength,
// initialTermId, segmentFileLength, initialPosition, and lastPosition.
func Read(path string) (Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, fixedHeaderLength)
	if _, err := f.ReadAt(head, 0); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: read header %s: %w", path, err)
	}
	length := binary.LittleEndian.Uint32(head[offHeaderLength:])
	if int64(length) < fixedHeaderLength {
		return Descriptor{}, ErrTruncated
	}

	body := make([]byte, length)
	if _, err := f.ReadAt(body, 0); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: read body %s: %w", path, err)
	}

	var d Descriptor
	d.RecordingId = int64(binary.LittleEndian.Uint64(body[offRecordingId:]))
	d.TermBufferLength = int64(binary.LittleEndian.Uint64(body[offTermBufferLength:]))
	d.SegmentFileLength = int64(binary.LittleEndian.Uint64(body[offSegmentFileLength:]))
	d.MtuLength = int32(binary.LittleEndian.Uint32(body[offMtuLength:]))
	d.InitialTermId = int32(binary.LittleEndian.Uint32(body[offInitialTermId:]))
	d.SessionId = int32(binary.LittleEndian.Uint32(body[offSessionId:]))
	d.StreamId = int32(binary.LittleEndian.Uint32(body[offStreamId:]))
	d.StartTime = int64(binary.LittleEndian.Uint64(body[offStartTime:]))
	d.EndTime = int64(binary.LittleEndian.Uint64(body[offEndTime:]))
	d.InitialPosition = int64(binary.LittleEndian.Uint64(body[offInitialPosition:]))
	d.LastPosition = int64(binary.LittleEndian.Uint64(body[offLastPosition:]))

	pos := fixedHeaderLength
	srcLen := binary.LittleEndian.Uint32(body[offSourceLength:])
	pos += 4
	d.Source = string(body[pos : pos+int(srcLen)])
	pos += int(srcLen)
	chLen := binary.LittleEndian.Uint32(body[pos:])
	pos += 4
	d.Channel = string(body[pos : pos+int(chLen)])

	return d, nil
}
