package aqmon

import "errors"

// ErrInvalidConfiguration is wrapped by every error reported while validating a
// scenario or a component configuration.  Such errors are fatal to setup.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ErrUnknownFlow reports a receive or loss event for a flow that was never
// classified at transmit time, which points at a caller ordering bug
var ErrUnknownFlow = errors.New("unknown flow")
