package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrEncoding        = errors.New("protocol: encoding constraint violated")
	ErrNameTooLong     = fmt.Errorf("%w: file name longer than %d bytes", ErrEncoding, MaxNameLen)
	ErrNameNotASCII    = fmt.Errorf("%w: file name is not ASCII", ErrEncoding)
	ErrUnknownOp       = errors.New("protocol: unknown op code")
	ErrTruncated       = errors.New("protocol: truncated frame")
	ErrPayloadConsumed = errors.New("protocol: payload already consumed")
)

// truncated keeps both the stage and the underlying source error visible to
// errors.Is so transport faults survive the trip through the codec.
func truncated(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTruncated, stage, err)
}
