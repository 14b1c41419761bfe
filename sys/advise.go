package sys

import "errors"

// ErrAdviseNotSupported is returned where the platform has no equivalent
// of the requested hint. Callers treat it as informational.
var ErrAdviseNotSupported = errors.New("file advice not supported")
