package output

import "errors"

// ErrNoAdapter indicates a target named a channel with no registered
// adapter.
var ErrNoAdapter = errors.New("no adapter registered for channel")
