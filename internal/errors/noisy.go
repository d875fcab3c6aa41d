package errors

import (
	"context"
	"io"
	"net"
	"strings"
	"syscall"
)

// noisyFragments are substrings of faults that the messaging service emits
// routinely and that never need more than a debug line.
var noisyFragments = []string{
	"connection reset",
	"rate-overlimit",
	"rate limit",
	"too many requests",
	"stream errored",
	"stream reset",
	"broken pipe",
}

// IsNoisy reports whether err belongs to the known harmless set: connection
// resets, rate limiting and stream resets. Such faults are logged at debug
// level and otherwise swallowed.
func IsNoisy(err error) bool {
	if err == nil {
		return false
	}

	if Is(err, syscall.ECONNRESET) || Is(err, syscall.EPIPE) || Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range noisyFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}
