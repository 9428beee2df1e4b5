package ring

import (
	"errors"
	"fmt"
	"os"
)

// Every error returned by this module matches one of these with errors.Is.
var (
	// ErrBindFail means a transport could not be opened or attached.
	ErrBindFail = errors.New("bind failed")
	// ErrInvalidRingIndex means a ring or slot index was out of range.
	ErrInvalidRingIndex = errors.New("invalid ring index")
	// ErrPacketTooLarge means a payload exceeds the slot capacity.
	ErrPacketTooLarge = errors.New("packet too large")
	// ErrInsufficientSpace means the TX ring is full. Retry after Sync.
	ErrInsufficientSpace = errors.New("insufficient space in ring")
	// ErrWouldBlock means the operation cannot proceed right now.
	ErrWouldBlock = errors.New("operation would block")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrFallbackUnsupported = errors.New("not supported by fallback backing")
	// ErrIo wraps low-level transport errors.
	ErrIo = errors.New("ring i/o error")
)

// ErrClosed is returned by operations on a closed ring.
var ErrClosed = fmt.Errorf("%w: %w", ErrIo, os.ErrClosed)

// IoError wraps err under ErrIo. It returns nil for a nil err.
func IoError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIo) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrIo, op, err)
}

func tooLarge(n, limit int) error {
	return fmt.Errorf("%w: %d bytes > %d", ErrPacketTooLarge, n, limit)
}
