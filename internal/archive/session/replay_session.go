package session

import (
	"errors"
	"io/fs"

	"github.com/migue/arkive/internal/archive/archerrors"
	"github.com/migue/arkive/internal/archive/cursor"
	"github.com/migue/arkive/internal/archive/descriptor"
	"github.com/migue/arkive/internal/archive/segment"
	"github.com/migue/arkive/internal/archive/transport"
	"github.com/migue/arkive/internal/clock"
	"github.com/migue/arkive/internal/observability"
)

// ReplaySendBatchSize bounds the number of fragments republished per
// ReplaySession.DoWork tick. A var so the serving process can override it
// from config before any session is built.
var ReplaySendBatchSize = 8

// LingerMillis is how long a finished or never-connected replay is kept
// alive before transitioning to inactive, giving the peer time to drain
// flow-control state. Overridable from config, like ReplaySendBatchSize.
var LingerMillis int64 = 1000

// ReplayState is the ReplaySession lifecycle: INIT -> REPLAY -> LINGER ->
// INACTIVE -> CLOSED.
type ReplayState int

const (
	ReplayInit ReplayState = iota
	ReplayActive
	ReplayLinger
	ReplayInactive
	ReplayClosed
)

// ReplaySession drives one FragmentCursor against one outbound Publication,
// republishing recorded fragments with their original flags, header type,
// and reserved value preserved. Any error in any state sends a control
// response carrying the message under the session's correlationId (if the
// control publication is still connected) and transitions to INACTIVE.
type ReplaySession struct {
	archiveDir    string
	recordingId   int64
	correlationId int64
	fromPosition  int64
	replayLength  int64

	publication transport.Publication
	claim       transport.Claim
	responder   transport.ControlResponder
	clock       clock.EpochClock

	cursor          *cursor.FragmentCursor
	state           ReplayState
	lingerDeadline  int64
	connectDeadline int64
	peerGone        bool
	becameActive    bool
}

// NewReplaySession constructs a ReplaySession in ReplayInit, ready for its
// first DoWork call. claim is a reusable Claim bound to publication, used to
// avoid allocating a new one per fragment. The outbound publication must
// connect within LingerMillis of construction or the session gives up.
func NewReplaySession(archiveDir string, recordingId, correlationId, fromPosition, replayLength int64, pub transport.Publication, claim transport.Claim, responder transport.ControlResponder, clk clock.EpochClock) *ReplaySession {
	return &ReplaySession{
		archiveDir:      archiveDir,
		recordingId:     recordingId,
		correlationId:   correlationId,
		fromPosition:    fromPosition,
		replayLength:    replayLength,
		publication:     pub,
		claim:           claim,
		responder:       responder,
		clock:           clk,
		state:           ReplayInit,
		connectDeadline: clk.TimeMillis() + LingerMillis,
	}
}

// State returns the session's current lifecycle state.
func (s *ReplaySession) State() ReplayState { return s.state }

// IsDone reports whether the session has reached ReplayInactive.
func (s *ReplaySession) IsDone() bool { return s.state == ReplayInactive }

// Abort requests the session stop; honoured at the next tick.
func (s *ReplaySession) Abort() {
	if s.state != ReplayClosed {
		s.state = ReplayInactive
	}
}

// DoWork advances the state machine by one step.
func (s *ReplaySession) DoWork() (int, error) {
	switch s.state {
	case ReplayInit:
		return s.init()
	case ReplayActive:
		if s.peerGone {
			return 0, s.fail(archerrors.Wrap(archerrors.ErrReplayPeerGone, "recording %d correlation %d", s.recordingId, s.correlationId))
		}
		return s.replay()
	case ReplayLinger:
		return s.linger()
	default:
		return 0, nil
	}
}

// fail sends the error message as a control response (when the control
// publication is still up) and parks the session in ReplayInactive.
func (s *ReplaySession) fail(err error) error {
	if s.responder.IsConnected() {
		_ = s.responder.SendResponse(err.Error(), s.correlationId)
	}
	s.state = ReplayInactive
	return err
}

// init runs the setup sequence in a fixed order: decode the descriptor,
// validate the requested range against it, open the cursor, then wait for
// the outbound publication to connect before sending the OK response. The
// cursor is opened before the connection wait so a bad replay request fails
// fast instead of burning the whole connect window first.
func (s *ReplaySession) init() (int, error) {
	if s.cursor == nil {
		d, err := descriptor.Read(segment.MetadataPath(s.archiveDir, s.recordingId))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = archerrors.Wrap(archerrors.ErrNotFound, "recording %d has no descriptor", s.recordingId)
			}
			return 0, s.fail(err)
		}
		if s.fromPosition < d.InitialPosition {
			return 0, s.fail(archerrors.Wrap(archerrors.ErrBeforeStart, "fromPosition=%d initialPosition=%d", s.fromPosition, d.InitialPosition))
		}
		if s.replayLength >= 0 && s.fromPosition+s.replayLength > d.LastPosition {
			return 0, s.fail(archerrors.Wrap(archerrors.ErrPastEnd, "fromPosition=%d replayLength=%d lastPosition=%d", s.fromPosition, s.replayLength, d.LastPosition))
		}

		cur, err := cursor.Open(s.archiveDir, s.recordingId, d.SegmentFileLength, d.InitialPosition, s.fromPosition, s.replayLength)
		if err != nil {
			return 0, s.fail(err)
		}
		s.cursor = cur
	}

	if !s.publication.IsConnected() {
		if s.clock.TimeMillis() >= s.connectDeadline {
			s.state = ReplayInactive
		}
		return 0, nil
	}

	if err := s.responder.SendResponse("", s.correlationId); err != nil {
		s.state = ReplayInactive
		return 0, err
	}
	observability.ReplaysActive.Inc()
	s.becameActive = true
	s.state = ReplayActive
	return 1, nil
}

func (s *ReplaySession) replay() (int, error) {
	n, err := s.cursor.ControlledPoll(s, ReplaySendBatchSize)
	if err != nil {
		return n, s.fail(err)
	}
	if s.peerGone {
		return n, s.fail(archerrors.Wrap(archerrors.ErrReplayPeerGone, "recording %d correlation %d", s.recordingId, s.correlationId))
	}
	if s.cursor.IsDone() {
		s.state = ReplayLinger
		s.lingerDeadline = s.clock.TimeMillis() + LingerMillis
	}
	return n, nil
}

func (s *ReplaySession) linger() (int, error) {
	if s.clock.TimeMillis() >= s.lingerDeadline {
		s.state = ReplayInactive
	}
	return 0, nil
}

// OnFragment implements cursor.Consumer: it claims space in the outbound
// publication, copies the fragment payload in, restores the original
// frame's flags, header type, and reserved value, and commits. A closed or
// disconnected publication aborts the poll and marks the session peer-gone;
// a momentarily back-pressured claim just pauses the poll until the next
// tick.
func (s *ReplaySession) OnFragment(buffer []byte, offset, length int, header transport.Header) cursor.Action {
	pos, err := s.publication.TryClaim(int32(length), s.claim)
	if err != nil || pos == transport.ClaimClosed || pos == transport.ClaimNotConnected {
		s.peerGone = true
		return cursor.AbortAction
	}
	if pos < 0 {
		return cursor.AbortAction
	}

	dst := s.claim.Buffer()
	off := s.claim.Offset()
	copy(dst[off:off+length], buffer[offset:offset+length])
	s.claim.SetFlags(header.Flags)
	s.claim.SetReservedValue(header.ReservedValue)
	s.claim.SetHeaderType(header.HeaderType)

	if err := s.claim.Commit(); err != nil {
		s.peerGone = true
		return cursor.AbortAction
	}
	observability.BytesReplayedTotal.Add(float64(length))
	return cursor.ContinueAction
}

// Close releases the cursor's open segment handle and the outbound
// publication. Idempotent.
func (s *ReplaySession) Close() error {
	if s.state == ReplayClosed {
		return nil
	}
	var firstErr error
	if s.cursor != nil {
		if err := s.cursor.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.publication.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.becameActive {
		observability.ReplaysActive.Dec()
	}
	s.state = ReplayClosed
	return firstErr
}
