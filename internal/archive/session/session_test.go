package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/migue/arkive/internal/archive/archerrors"
	"github.com/migue/arkive/internal/archive/catalog"
	"github.com/migue/arkive/internal/archive/recorder"
	"github.com/migue/arkive/internal/archive/segment"
	"github.com/migue/arkive/internal/archive/transport"
	"github.com/migue/arkive/internal/clock"
)

const testInitialTermId int32 = 7

// makeFrame builds a single data frame padded to the 32-byte frame
// alignment.
func makeFrame(payload []byte, termId int32, termOffset int64, flags byte, reserved int64) []byte {
	frameLength := 32 + len(payload)
	aligned := (frameLength + 31) &^ 31
	buf := make([]byte, aligned)
	binary.LittleEndian.PutUint32(buf[0:], uint32(frameLength))
	buf[4] = 1
	buf[5] = flags
	binary.LittleEndian.PutUint16(buf[6:], 1)
	binary.LittleEndian.PutUint32(buf[8:], uint32(termOffset))
	binary.LittleEndian.PutUint32(buf[12:], 42)
	binary.LittleEndian.PutUint32(buf[16:], 1)
	binary.LittleEndian.PutUint32(buf[20:], uint32(termId))
	binary.LittleEndian.PutUint64(buf[24:], uint64(reserved))
	copy(buf[32:], payload)
	return buf
}

// imageBlock is one block a fakeImage will deliver: the frame bytes placed
// at termOffset within a term buffer, the way a real log buffer hands them
// over.
type imageBlock struct {
	frame      []byte
	termOffset int64
	termId     int32
}

type fakeImage struct {
	termBufferLength int64
	closed           bool
	blocks           []imageBlock
}

func (i *fakeImage) TermBufferLength() int64 { return i.termBufferLength }
func (i *fakeImage) InitialTermId() int32    { return testInitialTermId }
func (i *fakeImage) MtuLength() int32        { return 1408 }
func (i *fakeImage) SessionId() int32        { return 42 }
func (i *fakeImage) SourceIdentity() string  { return "udp://127.0.0.1:40123" }
func (i *fakeImage) Channel() string         { return "udp?endpoint=127.0.0.1:40123" }
func (i *fakeImage) StreamId() int32         { return 1 }
func (i *fakeImage) IsClosed() bool          { return i.closed }

func (i *fakeImage) RawPoll(handler transport.BlockHandler, byteLimit int64) (int64, error) {
	var delivered int64
	for len(i.blocks) > 0 {
		b := i.blocks[0]
		n := int64(len(b.frame))
		if delivered+n > byteLimit {
			break
		}
		i.blocks = i.blocks[1:]
		termBuffer := make([]byte, b.termOffset+n)
		copy(termBuffer[b.termOffset:], b.frame)
		if err := handler.OnBlock(nil, 0, termBuffer, b.termOffset, n, 42, b.termId); err != nil {
			return delivered, err
		}
		delivered += n
	}
	return delivered, nil
}

type sinkEvent struct {
	kind            string
	recordingId     int64
	initialPosition int64
	lastPosition    int64
}

type fakeSink struct {
	events []sinkEvent
}

func (s *fakeSink) RecordingStarted(recordingId int64, source string, sessionId int32, channel string, streamId int32) {
	s.events = append(s.events, sinkEvent{kind: "started", recordingId: recordingId})
}

func (s *fakeSink) RecordingProgress(recordingId, initialPosition, lastPosition int64) {
	s.events = append(s.events, sinkEvent{kind: "progress", recordingId: recordingId, initialPosition: initialPosition, lastPosition: lastPosition})
}

func (s *fakeSink) RecordingStopped(recordingId int64) {
	s.events = append(s.events, sinkEvent{kind: "stopped", recordingId: recordingId})
}

func (s *fakeSink) count(kind string) int {
	n := 0
	for _, e := range s.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func newRecordingFixture(t *testing.T) (string, *catalog.Catalog, *fakeImage, *fakeSink, *RecordingSession) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(dir)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	img := &fakeImage{termBufferLength: 4096}
	sink := &fakeSink{}
	s := NewRecordingSession(img, dir, cat, sink, clock.NewSimulated(0), 16384, false, false)
	return dir, cat, img, sink, s
}

func TestRecordingSession_Lifecycle(t *testing.T) {
	dir, cat, img, sink, s := newRecordingFixture(t)

	frameA := makeFrame([]byte("first"), testInitialTermId, 0, 0xC0, 1)
	frameB := makeFrame(bytes.Repeat([]byte{0x3D}, 48), testInitialTermId, int64(len(frameA)), 0x80, 2)
	img.blocks = []imageBlock{
		{frame: frameA, termOffset: 0, termId: testInitialTermId},
		{frame: frameB, termOffset: int64(len(frameA)), termId: testInitialTermId},
	}

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("init tick: %v", err)
	}
	if s.State() != RecordingActive {
		t.Fatalf("state after init = %v, want RecordingActive", s.State())
	}
	if sink.count("started") != 1 {
		t.Fatalf("recordingStarted notifications = %d, want 1", sink.count("started"))
	}
	if !cat.HasActiveWriter(s.RecordingId()) {
		t.Fatalf("catalog does not show a live writer after init")
	}

	n, err := s.DoWork()
	if err != nil {
		t.Fatalf("record tick: %v", err)
	}
	if n == 0 {
		t.Fatalf("record tick with queued blocks reported no work")
	}
	if sink.count("progress") == 0 {
		t.Fatalf("no recordingProgress notification after delivering blocks")
	}

	img.closed = true
	if _, err := s.DoWork(); err != nil {
		t.Fatalf("closing tick: %v", err)
	}
	if !s.IsDone() {
		t.Fatalf("session not done after image closed")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sink.count("stopped") != 1 {
		t.Fatalf("recordingStopped notifications = %d, want 1", sink.count("stopped"))
	}
	if cat.HasActiveWriter(s.RecordingId()) {
		t.Fatalf("active-writer lock still held after Close")
	}

	e, ok := cat.Lookup(s.RecordingId())
	if !ok {
		t.Fatalf("catalog entry missing after Close")
	}
	wantLast := int64(len(frameA) + len(frameB))
	if e.InitialPosition != 0 || e.LastPosition != wantLast {
		t.Fatalf("catalog positions = (%d, %d), want (0, %d)", e.InitialPosition, e.LastPosition, wantLast)
	}

	// The segment holds exactly the delivered bytes.
	got := make([]byte, wantLast)
	f, err := os.Open(segment.DataPath(dir, s.RecordingId(), 0))
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got[:len(frameA)], frameA) || !bytes.Equal(got[len(frameA):], frameB) {
		t.Fatalf("recorded bytes do not match the delivered blocks")
	}
}

func TestRecordingSession_RecorderErrorEndsSession(t *testing.T) {
	_, _, img, _, s := newRecordingFixture(t)

	// First block arrives with the wrong termId.
	frame := makeFrame([]byte("bad"), testInitialTermId+1, 0, 0, 0)
	img.blocks = []imageBlock{{frame: frame, termOffset: 0, termId: testInitialTermId + 1}}

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("init tick: %v", err)
	}
	_, err := s.DoWork()
	if !errors.Is(err, archerrors.ErrOutOfOrderStart) {
		t.Fatalf("record tick: err = %v, want ErrOutOfOrderStart", err)
	}
	if !s.IsDone() {
		t.Fatalf("session must be inactive after a recorder error")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close after failure: %v", err)
	}
}

func TestRecordingSession_Abort(t *testing.T) {
	_, _, _, sink, s := newRecordingFixture(t)

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("init tick: %v", err)
	}
	s.Abort()
	if !s.IsDone() {
		t.Fatalf("abort not honoured")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sink.count("stopped") != 1 {
		t.Fatalf("aborted session must still fire recordingStopped")
	}
}

// --- replay fakes ---

type committedFragment struct {
	payload    []byte
	flags      byte
	reserved   int64
	headerType int32
}

type fakeClaim struct {
	pub        *fakePublication
	buf        []byte
	flags      byte
	reserved   int64
	headerType int32
}

func (c *fakeClaim) Buffer() []byte           { return c.buf }
func (c *fakeClaim) Offset() int              { return 0 }
func (c *fakeClaim) SetFlags(flags byte)      { c.flags = flags }
func (c *fakeClaim) SetReservedValue(v int64) { c.reserved = v }
func (c *fakeClaim) SetHeaderType(t int32)    { c.headerType = t }

func (c *fakeClaim) Commit() error {
	c.pub.committed = append(c.pub.committed, committedFragment{
		payload:    append([]byte(nil), c.buf...),
		flags:      c.flags,
		reserved:   c.reserved,
		headerType: c.headerType,
	})
	return nil
}

type fakePublication struct {
	connected bool
	closed    bool
	position  int64
	// claimResults are consumed first, letting a test inject back-pressure
	// or closed sentinels; once drained every claim succeeds.
	claimResults []int64
	committed    []committedFragment
}

func (p *fakePublication) IsConnected() bool { return p.connected }
func (p *fakePublication) IsClosed() bool    { return p.closed }

func (p *fakePublication) TryClaim(length int32, claim transport.Claim) (int64, error) {
	if len(p.claimResults) > 0 {
		r := p.claimResults[0]
		p.claimResults = p.claimResults[1:]
		if r < 0 {
			return r, nil
		}
	}
	c := claim.(*fakeClaim)
	c.buf = make([]byte, length)
	c.flags, c.reserved, c.headerType = 0, 0, 0
	p.position += int64(length)
	return p.position, nil
}

func (p *fakePublication) Close() error {
	p.closed = true
	return nil
}

type controlResponse struct {
	message       string
	correlationId int64
}

type fakeResponder struct {
	connected bool
	responses []controlResponse
}

func (r *fakeResponder) IsConnected() bool { return r.connected }

func (r *fakeResponder) SendResponse(errorMessage string, correlationId int64) error {
	r.responses = append(r.responses, controlResponse{message: errorMessage, correlationId: correlationId})
	return nil
}

// recordFrames writes the given frames back to back from position 0 and
// returns the recorded length.
func recordFrames(t *testing.T, dir string, recordingId int64, frames [][]byte) int64 {
	t.Helper()
	r, err := recorder.New(recorder.Config{
		RecordingId:       recordingId,
		ArchiveDir:        dir,
		TermBufferLength:  4096,
		SegmentFileLength: 16384,
		InitialTermId:     testInitialTermId,
		Source:            "udp://127.0.0.1:40123",
		SessionId:         42,
		Channel:           "udp?endpoint=127.0.0.1:40123",
		StreamId:          1,
		MtuLength:         1408,
		Clock:             clock.NewSimulated(0),
	})
	if err != nil {
		t.Fatalf("recorder.New: %v", err)
	}
	var position int64
	for i, frame := range frames {
		termOffset := binary.LittleEndian.Uint32(frame[8:])
		termId := int32(binary.LittleEndian.Uint32(frame[20:]))
		if err := r.OnFragment(frame, 0, int64(len(frame)), termId, int64(termOffset)); err != nil {
			t.Fatalf("record frame %d: %v", i, err)
		}
		position += int64(len(frame))
	}
	if err := r.Close(); err != nil {
		t.Fatalf("recorder.Close: %v", err)
	}
	return position
}

func newReplayFixture(t *testing.T, frames [][]byte) (string, int64, *fakePublication, *fakeResponder, *clock.Simulated, *ReplaySession) {
	t.Helper()
	dir := t.TempDir()
	total := int64(0)
	if frames != nil {
		total = recordFrames(t, dir, 1, frames)
	}
	pub := &fakePublication{connected: true}
	responder := &fakeResponder{connected: true}
	clk := clock.NewSimulated(0)
	s := NewReplaySession(dir, 1, 555, 0, total, pub, &fakeClaim{pub: pub}, responder, clk)
	return dir, total, pub, responder, clk, s
}

func TestReplaySession_RoundTrip(t *testing.T) {
	payloadA := []byte("hello recorded world")
	payloadB := bytes.Repeat([]byte{0x6F}, 96)
	frameA := makeFrame(payloadA, testInitialTermId, 0, 0xC0, 17)
	frameB := makeFrame(payloadB, testInitialTermId, 64, 0x80, -3)
	_, _, pub, responder, clk, s := newReplayFixture(t, [][]byte{frameA, frameB})

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("init tick: %v", err)
	}
	if s.State() != ReplayActive {
		t.Fatalf("state after init = %v, want ReplayActive", s.State())
	}
	if len(responder.responses) != 1 || responder.responses[0].message != "" || responder.responses[0].correlationId != 555 {
		t.Fatalf("expected one OK control response for correlation 555, got %+v", responder.responses)
	}

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("replay tick: %v", err)
	}
	if len(pub.committed) != 2 {
		t.Fatalf("committed fragments = %d, want 2", len(pub.committed))
	}
	if !bytes.Equal(pub.committed[0].payload, payloadA) || !bytes.Equal(pub.committed[1].payload, payloadB) {
		t.Fatalf("replayed payloads do not match the recorded fragments")
	}
	if pub.committed[0].flags != 0xC0 || pub.committed[0].reserved != 17 {
		t.Fatalf("fragment A header not preserved: flags=%#x reserved=%d", pub.committed[0].flags, pub.committed[0].reserved)
	}
	if pub.committed[1].flags != 0x80 || pub.committed[1].reserved != -3 {
		t.Fatalf("fragment B header not preserved: flags=%#x reserved=%d", pub.committed[1].flags, pub.committed[1].reserved)
	}
	if pub.committed[0].headerType != 1 {
		t.Fatalf("fragment A header type not preserved: %d", pub.committed[0].headerType)
	}

	if s.State() != ReplayLinger {
		t.Fatalf("state after draining = %v, want ReplayLinger", s.State())
	}
	clk.Advance(time.Duration(LingerMillis+1) * time.Millisecond)
	if _, err := s.DoWork(); err != nil {
		t.Fatalf("linger tick: %v", err)
	}
	if !s.IsDone() {
		t.Fatalf("session must be inactive once the linger expires")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != ReplayClosed {
		t.Fatalf("state after Close = %v, want ReplayClosed", s.State())
	}
	if !pub.closed {
		t.Fatalf("outbound publication not closed with the session")
	}
}

func TestReplaySession_BeforeStart(t *testing.T) {
	dir := t.TempDir()
	// Recording starts mid-term: initialPosition 4096 within an 8192 term.
	r, err := recorder.New(recorder.Config{
		RecordingId:       1,
		ArchiveDir:        dir,
		TermBufferLength:  8192,
		SegmentFileLength: 16384,
		InitialTermId:     testInitialTermId,
		Source:            "src",
		SessionId:         42,
		Channel:           "ch",
		StreamId:          1,
		MtuLength:         1408,
		Clock:             clock.NewSimulated(0),
	})
	if err != nil {
		t.Fatalf("recorder.New: %v", err)
	}
	frame := makeFrame([]byte("late"), testInitialTermId, 4096, 0, 0)
	if err := r.OnFragment(frame, 0, int64(len(frame)), testInitialTermId, 4096); err != nil {
		t.Fatalf("OnFragment: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pub := &fakePublication{connected: true}
	responder := &fakeResponder{connected: true}
	s := NewReplaySession(dir, 1, 77, 0, 64, pub, &fakeClaim{pub: pub}, responder, clock.NewSimulated(0))

	_, err = s.DoWork()
	if !errors.Is(err, archerrors.ErrBeforeStart) {
		t.Fatalf("replay before start: err = %v, want ErrBeforeStart", err)
	}
	if !s.IsDone() {
		t.Fatalf("session must go inactive on a rejected request")
	}
	if len(responder.responses) != 1 || !strings.Contains(responder.responses[0].message, "4096") {
		t.Fatalf("control response must carry a message referencing 4096, got %+v", responder.responses)
	}
	if len(pub.committed) != 0 {
		t.Fatalf("no fragments may be delivered on a rejected request")
	}
}

func TestReplaySession_PastEnd(t *testing.T) {
	frame := makeFrame([]byte("short recording"), testInitialTermId, 0, 0, 0)
	dir := t.TempDir()
	total := recordFrames(t, dir, 1, [][]byte{frame})
	pub := &fakePublication{connected: true}
	responder := &fakeResponder{connected: true}
	s := NewReplaySession(dir, 1, 88, 0, total+64, pub, &fakeClaim{pub: pub}, responder, clock.NewSimulated(0))

	_, err := s.DoWork()
	if !errors.Is(err, archerrors.ErrPastEnd) {
		t.Fatalf("replay past end: err = %v, want ErrPastEnd", err)
	}
	if !s.IsDone() {
		t.Fatalf("session must go inactive on a rejected request")
	}
	if len(responder.responses) != 1 || responder.responses[0].message == "" {
		t.Fatalf("control response with an error message expected, got %+v", responder.responses)
	}
}

func TestReplaySession_NotFound(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublication{connected: true}
	responder := &fakeResponder{connected: true}
	s := NewReplaySession(dir, 404, 99, 0, 128, pub, &fakeClaim{pub: pub}, responder, clock.NewSimulated(0))

	_, err := s.DoWork()
	if !errors.Is(err, archerrors.ErrNotFound) {
		t.Fatalf("replay of unknown recording: err = %v, want ErrNotFound", err)
	}
	if !s.IsDone() {
		t.Fatalf("session must go inactive when the recording is missing")
	}
	if len(responder.responses) != 1 || responder.responses[0].message == "" {
		t.Fatalf("control response with an error message expected, got %+v", responder.responses)
	}
}

func TestReplaySession_LingerWhenNeverConnected(t *testing.T) {
	frame := makeFrame([]byte("unseen"), testInitialTermId, 0, 0, 0)
	_, _, pub, responder, clk, s := newReplayFixture(t, [][]byte{frame})
	pub.connected = false

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if s.State() != ReplayInit {
		t.Fatalf("state while waiting for connection = %v, want ReplayInit", s.State())
	}

	clk.Advance(time.Duration(LingerMillis+1) * time.Millisecond)
	if _, err := s.DoWork(); err != nil {
		t.Fatalf("expired tick: %v", err)
	}
	if !s.IsDone() {
		t.Fatalf("session must give up after the connect window expires")
	}
	if len(pub.committed) != 0 {
		t.Fatalf("no fragments may be delivered without a connection")
	}
	for _, resp := range responder.responses {
		if resp.message == "" {
			t.Fatalf("an OK response was sent without a connection")
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != ReplayClosed {
		t.Fatalf("state after Close = %v, want ReplayClosed", s.State())
	}
}

func TestReplaySession_PeerGoneMidReplay(t *testing.T) {
	frame := makeFrame([]byte("never arrives"), testInitialTermId, 0, 0, 0)
	_, _, pub, responder, _, s := newReplayFixture(t, [][]byte{frame})
	pub.claimResults = []int64{transport.ClaimClosed}

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("init tick: %v", err)
	}
	_, err := s.DoWork()
	if !errors.Is(err, archerrors.ErrReplayPeerGone) {
		t.Fatalf("replay against a closed publication: err = %v, want ErrReplayPeerGone", err)
	}
	if !s.IsDone() {
		t.Fatalf("session must go inactive when the peer is gone")
	}
	if len(responder.responses) != 2 || responder.responses[1].message == "" {
		t.Fatalf("expected an OK then an error response, got %+v", responder.responses)
	}
}

func TestReplaySession_BackPressurePausesWithoutLoss(t *testing.T) {
	payloadA := []byte("fragment one")
	payloadB := []byte("fragment two")
	frameA := makeFrame(payloadA, testInitialTermId, 0, 0, 1)
	frameB := makeFrame(payloadB, testInitialTermId, 64, 0, 2)
	_, _, pub, _, _, s := newReplayFixture(t, [][]byte{frameA, frameB})
	pub.claimResults = []int64{transport.ClaimBackPressured}

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("init tick: %v", err)
	}
	if _, err := s.DoWork(); err != nil {
		t.Fatalf("back-pressured tick: %v", err)
	}
	if len(pub.committed) != 0 {
		t.Fatalf("back-pressured claim must not commit, got %d fragments", len(pub.committed))
	}
	if s.State() != ReplayActive {
		t.Fatalf("back-pressure must keep the session active, state = %v", s.State())
	}

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("resumed tick: %v", err)
	}
	if len(pub.committed) != 2 {
		t.Fatalf("committed fragments after resume = %d, want 2", len(pub.committed))
	}
	if !bytes.Equal(pub.committed[0].payload, payloadA) || !bytes.Equal(pub.committed[1].payload, payloadB) {
		t.Fatalf("fragments lost or reordered across back-pressure")
	}
	if pub.committed[0].reserved != 1 || pub.committed[1].reserved != 2 {
		t.Fatalf("fragment order wrong after back-pressure: %d, %d", pub.committed[0].reserved, pub.committed[1].reserved)
	}
}

func TestReplaySession_Abort(t *testing.T) {
	frame := makeFrame([]byte("aborted"), testInitialTermId, 0, 0, 0)
	_, _, _, _, _, s := newReplayFixture(t, [][]byte{frame})

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("init tick: %v", err)
	}
	s.Abort()
	if !s.IsDone() {
		t.Fatalf("abort not honoured")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
