// Package recorder implements the stateful recording writer: a
// single-writer, strictly in-order, contiguous appender that transfers
// stream blocks or fragments into pre-sized segment files and keeps the
// recording's descriptor current as each write lands.
package recorder

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/migue/arkive/internal/archive/archerrors"
	"github.com/migue/arkive/internal/archive/descriptor"
	"github.com/migue/arkive/internal/archive/position"
	"github.com/migue/arkive/internal/archive/segment"
	"github.com/migue/arkive/internal/clock"
	"github.com/migue/arkive/internal/logging"
	"github.com/migue/arkive/internal/observability"
)

// Config carries everything a Recorder needs at construction: the recording
// identity, geometry, upstream transport identity, the clock used to stamp
// startTime/endTime, and the two durability flush policies.
type Config struct {
	RecordingId          int64
	ArchiveDir           string
	TermBufferLength     int64
	SegmentFileLength    int64
	InitialTermId        int32
	Source               string
	SessionId            int32
	Channel              string
	StreamId             int32
	MtuLength            int32
	Clock                clock.EpochClock
	ForceWrites          bool
	ForceMetadataUpdates bool
}

// Recorder is the exclusive writer for one recording's entire active life.
// It owns the metadata file handle, the current open segment file handle,
// and the write cursor.
type Recorder struct {
	cfg Config

	descWriter *descriptor.Writer
	segFile    *os.File

	// recordingPosition is -1 before the first accepted write, then the
	// write cursor's offset within the current segment, in [0, SegmentFileLength).
	recordingPosition int64
	segmentIndex      int64
	initialPosition   int64
	lastPosition      int64

	closed  bool
	stopped bool
}

// New constructs a Recorder, creating the metadata file exclusively and
// writing the initial descriptor with startTime=initialPosition=lastPosition=
// endTime=-1.
func New(cfg Config) (*Recorder, error) {
	if err := position.ValidateGeometry(cfg.TermBufferLength, cfg.SegmentFileLength); err != nil {
		return nil, err
	}

	path := segment.MetadataPath(cfg.ArchiveDir, cfg.RecordingId)
	d := descriptor.Descriptor{
		RecordingId:       cfg.RecordingId,
		TermBufferLength:  cfg.TermBufferLength,
		SegmentFileLength: cfg.SegmentFileLength,
		MtuLength:         cfg.MtuLength,
		InitialTermId:     cfg.InitialTermId,
		SessionId:         cfg.SessionId,
		StreamId:          cfg.StreamId,
		Source:            cfg.Source,
		Channel:           cfg.Channel,
		StartTime:         descriptor.Unset,
		EndTime:           descriptor.Unset,
		InitialPosition:   descriptor.Unset,
		LastPosition:      descriptor.Unset,
	}
	w, err := descriptor.Create(path, d, segment.MinMetadataFileLength)
	if err != nil {
		return nil, err
	}
	w.SetForceMetadataUpdates(cfg.ForceMetadataUpdates)

	return &Recorder{
		cfg:               cfg,
		descWriter:        w,
		recordingPosition: -1,
		segmentIndex:      0,
		initialPosition:   descriptor.Unset,
		lastPosition:      descriptor.Unset,
	}, nil
}

// RecordingId returns the recording's identity.
func (r *Recorder) RecordingId() int64 { return r.cfg.RecordingId }

// SegmentFileLength returns the fixed segment size, used by callers (e.g. a
// RecordingSession) to bound a single RawPoll byte budget.
func (r *Recorder) SegmentFileLength() int64 { return r.cfg.SegmentFileLength }

// InitialPosition returns the recording's initial position, or Unset if no
// write has landed yet.
func (r *Recorder) InitialPosition() int64 { return r.initialPosition }

// LastPosition returns the end position of the most recently written block,
// or Unset if no write has landed yet.
func (r *Recorder) LastPosition() int64 { return r.lastPosition }

// OnBlock is the block write path: when sourceFile is non-nil, bytes are
// copied file-to-file with io.CopyN, which stages them through io.Copy's own
// user-space buffer rather than termBuffer (no kernel file-to-file copy is
// used); otherwise the relevant slice of termBuffer is written directly.
func (r *Recorder) OnBlock(sourceFile *os.File, sourceOffset int64, termBuffer []byte, termOffset, blockLength int64, sessionId, termId int32) error {
	return r.write(termId, termOffset, blockLength, func() error {
		if sourceFile != nil {
			return transferFileToFile(sourceFile, sourceOffset, blockLength, r.segFile, r.recordingPosition)
		}
		_, err := r.segFile.WriteAt(termBuffer[termOffset:termOffset+blockLength], r.recordingPosition)
		return err
	})
}

// OnFragment is the single-frame, in-memory write path.
func (r *Recorder) OnFragment(buffer []byte, offset, length int64, termId int32, termOffset int64) error {
	return r.write(termId, termOffset, length, func() error {
		_, err := r.segFile.WriteAt(buffer[offset:offset+length], r.recordingPosition)
		return err
	})
}

// write is the shared per-write state machine. Both OnBlock and OnFragment
// run through it, so the first-write bootstrap (segment creation,
// initialPosition/startTime stamping) happens identically on either path.
func (r *Recorder) write(termId int32, termOffset, n int64, transfer func() error) error {
	if r.closed {
		return archerrors.Wrap(archerrors.ErrIoFailure, "recorder %d is closed", r.cfg.RecordingId)
	}

	if position.CrossesTerm(termOffset, n, r.cfg.TermBufferLength) {
		r.failClosed()
		return archerrors.Wrap(archerrors.ErrCrossesTerm, "termOffset=%d length=%d termBufferLength=%d", termOffset, n, r.cfg.TermBufferLength)
	}

	loc := position.Locate(termId, r.cfg.InitialTermId, termOffset, r.cfg.TermBufferLength, r.cfg.SegmentFileLength)

	if r.recordingPosition == -1 {
		if termId != r.cfg.InitialTermId {
			r.failClosed()
			return archerrors.Wrap(archerrors.ErrOutOfOrderStart, "first termId=%d initialTermId=%d", termId, r.cfg.InitialTermId)
		}
		if err := r.openSegment(0); err != nil {
			r.failClosed()
			return archerrors.Wrap(archerrors.ErrIoFailure, "open initial segment: %v", err)
		}
		r.recordingPosition = termOffset
		r.initialPosition = termOffset
		if err := r.descWriter.SetInitialPosition(termOffset); err != nil {
			r.failClosed()
			return archerrors.Wrap(archerrors.ErrIoFailure, "%v", err)
		}
		if err := r.descWriter.SetStartTime(r.cfg.Clock.TimeMillis()); err != nil {
			r.failClosed()
			return archerrors.Wrap(archerrors.ErrIoFailure, "%v", err)
		}
	} else if loc.SegmentOffset != r.recordingPosition {
		r.failClosed()
		return archerrors.Wrap(archerrors.ErrNonContiguous, "computed segment offset=%d recorder cursor=%d", loc.SegmentOffset, r.recordingPosition)
	}

	if err := transfer(); err != nil {
		r.failClosed()
		return archerrors.Wrap(archerrors.ErrIoFailure, "write %d bytes: %v", n, err)
	}
	if r.cfg.ForceWrites {
		if err := r.segFile.Sync(); err != nil {
			r.failClosed()
			return archerrors.Wrap(archerrors.ErrIoFailure, "force write sync: %v", err)
		}
	}

	observability.BytesRecordedTotal.Add(float64(n))

	r.recordingPosition += n
	r.lastPosition = position.StreamPosition(termId, r.cfg.InitialTermId, termOffset, r.cfg.TermBufferLength) + n
	if err := r.descWriter.SetLastPosition(r.lastPosition); err != nil {
		r.failClosed()
		return archerrors.Wrap(archerrors.ErrIoFailure, "%v", err)
	}

	if r.recordingPosition == r.cfg.SegmentFileLength {
		if err := r.segFile.Close(); err != nil {
			r.failClosed()
			return archerrors.Wrap(archerrors.ErrIoFailure, "close full segment: %v", err)
		}
		r.segmentIndex++
		if err := r.openSegment(r.segmentIndex); err != nil {
			r.failClosed()
			return archerrors.Wrap(archerrors.ErrIoFailure, "open next segment: %v", err)
		}
		r.recordingPosition = 0
		observability.SegmentRolloversTotal.Inc()
		logging.VInfo("recorder", "segment rollover",
			slog.Int64("recording_id", r.cfg.RecordingId),
			slog.Int64("segment_index", r.segmentIndex))
	}

	return nil
}

func (r *Recorder) openSegment(idx int64) error {
	path := segment.DataPath(r.cfg.ArchiveDir, r.cfg.RecordingId, idx)
	f, err := segment.Create(path, r.cfg.SegmentFileLength)
	if err != nil {
		return err
	}
	r.segFile = f
	r.segmentIndex = idx
	return nil
}

// Stop sets endTime and flushes the descriptor. No-op once the recorder is
// stopped or closed.
func (r *Recorder) Stop() error {
	if r.stopped || r.closed {
		return nil
	}
	if err := r.descWriter.SetEndTime(r.cfg.Clock.TimeMillis()); err != nil {
		return archerrors.Wrap(archerrors.ErrIoFailure, "%v", err)
	}
	if err := r.descWriter.Flush(); err != nil {
		return archerrors.Wrap(archerrors.ErrIoFailure, "%v", err)
	}
	r.stopped = true
	return nil
}

// Close is idempotent: it closes the open segment handle, ensures Stop ran,
// and releases the metadata file. An error mid-write transitions the
// recorder to closed before it propagates — failClosed implements that,
// swallowing any secondary close error since the write error is what the
// caller needs to see.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	var firstErr error
	if r.segFile != nil {
		if err := r.segFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.segFile = nil
	}
	if !r.stopped {
		if err := r.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.descWriter != nil {
		if err := r.descWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closed = true
	return firstErr
}

func (r *Recorder) failClosed() {
	r.closed = true
	if r.segFile != nil {
		_ = r.segFile.Close()
		r.segFile = nil
	}
	if r.descWriter != nil {
		_ = r.descWriter.Close()
	}
}

// transferFileToFile copies length bytes from src at srcOffset into dst at
// dstOffset without staging them through a caller-owned buffer, preferred
// when the upstream image's log buffer is itself a mapped file.
func transferFileToFile(src *os.File, srcOffset, length int64, dst *os.File, dstOffset int64) error {
	r := io.NewSectionReader(src, srcOffset, length)
	w := io.NewOffsetWriter(dst, dstOffset)
	n, err := io.CopyN(w, r, length)
	if err != nil {
		return fmt.Errorf("transfer %d bytes: %w", length, err)
	}
	if n != length {
		return fmt.Errorf("short transfer: wrote %d of %d bytes", n, length)
	}
	return nil
}
