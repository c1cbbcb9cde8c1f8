// Package session implements the engine's two cooperative state machines:
// RecordingSession and ReplaySession. Both expose a single DoWork()
// entrypoint meant to be driven by an external single-threaded conductor
// (package conductor) rather than owning any goroutine or lock of their
// own.
package session

import (
	"github.com/migue/arkive/internal/archive/catalog"
	"github.com/migue/arkive/internal/archive/descriptor"
	"github.com/migue/arkive/internal/archive/notify"
	"github.com/migue/arkive/internal/archive/recorder"
	"github.com/migue/arkive/internal/archive/transport"
	"github.com/migue/arkive/internal/clock"
	"github.com/migue/arkive/internal/observability"
)

// RecordingState is the RecordingSession lifecycle: INIT -> RECORDING ->
// INACTIVE -> CLOSED.
type RecordingState int

const (
	RecordingInit RecordingState = iota
	RecordingActive
	RecordingInactive
	RecordingClosed
)

// RecordingSession drives one Recorder against one upstream Image. It
// registers the recording with the catalog before constructing the
// Recorder, so a recording is visible to the catalog even if the Recorder
// itself subsequently fails to open.
type RecordingSession struct {
	image   transport.Image
	catalog *catalog.Catalog
	sink    notify.Sink
	clock   clock.EpochClock

	archiveDir           string
	segmentFileLength    int64
	forceWrites          bool
	forceMetadataUpdates bool

	recordingId int64
	recorder    *recorder.Recorder
	state       RecordingState
}

// NewRecordingSession constructs a RecordingSession in RecordingInit, ready
// for its first DoWork call.
func NewRecordingSession(image transport.Image, archiveDir string, cat *catalog.Catalog, sink notify.Sink, clk clock.EpochClock, segmentFileLength int64, forceWrites, forceMetadataUpdates bool) *RecordingSession {
	return &RecordingSession{
		image:                image,
		catalog:              cat,
		sink:                 sink,
		clock:                clk,
		archiveDir:           archiveDir,
		segmentFileLength:    segmentFileLength,
		forceWrites:          forceWrites,
		forceMetadataUpdates: forceMetadataUpdates,
		state:                RecordingInit,
	}
}

// RecordingId returns the assigned recordingId, valid once past RecordingInit.
func (s *RecordingSession) RecordingId() int64 { return s.recordingId }

// IsDone reports whether the session has reached RecordingInactive and is
// ready for the conductor to Close it.
func (s *RecordingSession) IsDone() bool { return s.state == RecordingInactive }

// State returns the session's current lifecycle state.
func (s *RecordingSession) State() RecordingState { return s.state }

// Abort requests the session stop recording; honoured at the next tick.
func (s *RecordingSession) Abort() {
	if s.state != RecordingClosed {
		s.state = RecordingInactive
	}
}

// DoWork advances the state machine by one step and returns the amount of
// work done.
func (s *RecordingSession) DoWork() (int, error) {
	switch s.state {
	case RecordingInit:
		return s.init()
	case RecordingActive:
		return s.record()
	default:
		return 0, nil
	}
}

func (s *RecordingSession) init() (int, error) {
	recordingId, err := s.catalog.AddNewRecording(
		s.image.SourceIdentity(), s.image.SessionId(), s.image.Channel(), s.image.StreamId(),
		s.image.TermBufferLength(), s.image.MtuLength(), s.image.InitialTermId(), s.segmentFileLength,
	)
	if err != nil {
		s.state = RecordingClosed
		return 0, err
	}
	s.recordingId = recordingId

	rec, err := recorder.New(recorder.Config{
		RecordingId:          recordingId,
		ArchiveDir:           s.archiveDir,
		TermBufferLength:     s.image.TermBufferLength(),
		SegmentFileLength:    s.segmentFileLength,
		InitialTermId:        s.image.InitialTermId(),
		Source:               s.image.SourceIdentity(),
		SessionId:            s.image.SessionId(),
		Channel:              s.image.Channel(),
		StreamId:             s.image.StreamId(),
		MtuLength:            s.image.MtuLength(),
		Clock:                s.clock,
		ForceWrites:          s.forceWrites,
		ForceMetadataUpdates: s.forceMetadataUpdates,
	})
	if err != nil {
		s.catalog.RemoveRecordingSession(recordingId)
		s.state = RecordingClosed
		return 0, err
	}
	s.recorder = rec

	s.sink.RecordingStarted(recordingId, s.image.SourceIdentity(), s.image.SessionId(), s.image.Channel(), s.image.StreamId())
	observability.RecordingsStartedTotal.Inc()
	observability.RecordingsActive.Inc()
	s.state = RecordingActive
	return 1, nil
}

func (s *RecordingSession) record() (int, error) {
	n, err := s.image.RawPoll(s.recorder, s.recorder.SegmentFileLength())
	if err != nil {
		s.state = RecordingInactive
		return 0, err
	}
	workCount := 0
	if n > 0 {
		workCount = 1
		s.sink.RecordingProgress(s.recordingId, s.recorder.InitialPosition(), s.recorder.LastPosition())
	}
	if s.image.IsClosed() {
		s.state = RecordingInactive
	}
	return workCount, nil
}

// Close stops the recorder, flushes the final descriptor state into the
// catalog, releases the recorder's file handles, releases the active-writer
// lock, and fires recordingStopped, in that order. Idempotent.
func (s *RecordingSession) Close() error {
	if s.state == RecordingClosed {
		return nil
	}
	var firstErr error
	if s.recorder != nil {
		if err := s.recorder.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if d, err := descriptor.Read(s.catalog.MetadataPath(s.recordingId)); err == nil {
			if err := s.catalog.UpdateCatalogFromMeta(s.recordingId, d); err != nil && firstErr == nil {
				firstErr = err
			}
		} else if firstErr == nil {
			firstErr = err
		}
		if err := s.recorder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.catalog.RemoveRecordingSession(s.recordingId)
	s.sink.RecordingStopped(s.recordingId)
	observability.RecordingsActive.Dec()
	s.state = RecordingClosed
	return firstErr
}
