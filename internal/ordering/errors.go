package ordering

import "errors"

// ErrLateAction is returned by OnLocalAction when the computed target
// tick has already committed. The caller should drop the action;
// nothing further is required.
var ErrLateAction = errors.New("ordering: action target tick already committed")
