package wire

import "errors"

var (
	// ErrMalformedFrame is returned when a frame or envelope cannot be
	// decoded into a valid NodeMessage.
	ErrMalformedFrame = errors.New("wire: malformed frame")

	// ErrUnsupportedVersion is returned when an envelope names a
	// protocol version this build does not understand.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")

	// ErrTopicTooLarge is returned when a topic name overflows the
	// 16-bit length prefix used by the binary frame format.
	ErrTopicTooLarge = errors.New("wire: topic exceeds 65535 bytes")
)
