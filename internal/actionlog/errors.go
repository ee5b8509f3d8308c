package actionlog

import "errors"

// ErrHeightMismatch is a fatal error: an append whose Height does not
// follow the log's latest height. The caller must halt further
// commits rather than continue past it.
var ErrHeightMismatch = errors.New("actionlog: height mismatch")
