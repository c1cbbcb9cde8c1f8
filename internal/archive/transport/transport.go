// Package transport declares the minimal external interfaces the recording
// and replay engine needs from its collaborators. None of these are
// implemented here — the transport layer (publications, subscriptions,
// images), the control-message codec, and the command dispatcher all live
// with the embedding process. These interfaces exist so the core engine can
// be compiled, exercised, and tested against fakes.
package transport

import "os"

// BlockHandler is invoked by an Image's RawPoll for each available block.
// sourceFile is the file backing the upstream log buffer when the image can
// offer a zero-copy transfer; it is nil when only an in-memory buffer is
// available.
type BlockHandler interface {
	OnBlock(sourceFile *os.File, sourceOffset int64, termBuffer []byte, termOffset int64, blockLength int64, sessionId int32, termId int32) error
}

// Image is the upstream collaborator that delivers newly received stream
// blocks to a recorder, strictly in position order and contiguously.
type Image interface {
	TermBufferLength() int64
	InitialTermId() int32
	MtuLength() int32
	SessionId() int32
	SourceIdentity() string
	Channel() string
	StreamId() int32
	IsClosed() bool
	// RawPoll delivers available blocks to handler, up to byteLimit bytes
	// total, and returns the number of bytes actually delivered.
	RawPoll(handler BlockHandler, byteLimit int64) (int64, error)
}

// Sentinel results returned by Publication.TryClaim alongside the
// non-negative success value (the claimed stream position).
const (
	ClaimClosed        int64 = -1
	ClaimNotConnected  int64 = -2
	ClaimBackPressured int64 = -3
	ClaimAdminAction   int64 = -4
)

// Claim is a reserved, writable region of an outbound publication's buffer,
// committed atomically.
type Claim interface {
	Buffer() []byte
	Offset() int
	SetFlags(flags byte)
	SetReservedValue(v int64)
	SetHeaderType(t int32)
	Commit() error
}

// Publication is the outbound collaborator a replay session republishes
// recorded fragments through.
type Publication interface {
	IsConnected() bool
	IsClosed() bool
	// TryClaim reserves length bytes and returns a non-negative stream
	// position on success, or one of the Claim* sentinels above.
	TryClaim(length int32, claim Claim) (int64, error)
	Close() error
}

// Header describes the frame header of a single recorded fragment as handed
// to a poll consumer: the fields the replay path needs to preserve when it
// republishes the fragment.
type Header struct {
	TermId        int32
	TermOffset    int64
	FrameLength   int32
	Flags         byte
	ReservedValue int64
	HeaderType    int32
}

// ControlResponder sends a correlated OK/error response back to a replay
// requester. The codec and transport behind it live with the dispatcher;
// only the narrow interface the session calls is defined here.
type ControlResponder interface {
	IsConnected() bool
	SendResponse(errorMessage string, correlationId int64) error
}
