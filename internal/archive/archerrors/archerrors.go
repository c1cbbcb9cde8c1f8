// Package archerrors enumerates the engine's error taxonomy as sentinel
// errors wrapped with context, so callers can classify a failure with
// errors.Is while still getting a human-readable message. Every recorder
// write and every replay session transition returns one of these instead of
// panicking; all are fatal to the session that hits them.
package archerrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Compare with errors.Is, e.g. errors.Is(err, ErrNonContiguous).
var (
	ErrOutOfOrderStart  = errors.New("archive: first block's termId does not match initialTermId")
	ErrNonContiguous    = errors.New("archive: write is not contiguous with the recorder's cursor")
	ErrCrossesTerm      = errors.New("archive: write would cross a term boundary")
	ErrIoFailure        = errors.New("archive: disk i/o failure")
	ErrNotFound         = errors.New("archive: recording not found")
	ErrBeforeStart      = errors.New("archive: replay requested before recording start")
	ErrPastEnd          = errors.New("archive: replay requested past recording end")
	ErrCursorOpenFailed = errors.New("archive: failed to open cursor segment")
	ErrReplayPeerGone   = errors.New("archive: outbound publication closed or disconnected mid-replay")
)

// Wrap attaches additional context to a sentinel kind while keeping it
// discoverable with errors.Is.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
