package spill

import "errors"

var (
	// ErrEndOfStream ends a spill task or a chunk producer. It is not a failure.
	ErrEndOfStream = errors.New("eos")

	ErrChannelFinished   = errors.New("spill channel is finishing")
	ErrPartitionConsumed = errors.New("spilled partition already consumed")
	ErrSpillerClosed     = errors.New("spiller is closed")
	ErrFlushRequested    = errors.New("flush all already requested")
)

// IsEndOfStream reports whether err is the end-of-stream sentinel.
func IsEndOfStream(err error) bool {
	return errors.Is(err, ErrEndOfStream)
}
