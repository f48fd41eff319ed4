package protocol

import "errors"

var (
	ErrFrameTooSmall    = errors.New("protocol: frame too small")
	ErrFrameTooLarge    = errors.New("protocol: frame too large")
	ErrFrameDecode      = errors.New("protocol: malformed byte stuffing")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
)

// IsFraming reports whether err is one of the frame-level errors above.
func IsFraming(err error) bool {
	return errors.Is(err, ErrFrameTooSmall) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrFrameDecode) ||
		errors.Is(err, ErrChecksumMismatch)
}
