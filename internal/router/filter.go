package router

import (
	"strings"

	"codeberg.org/mutker/wabot-instance/internal/protocol"
)

const (
	retryReceiptPrefix = "BAE5"
	retryReceiptLength = 16
)

// Decision is where an inbound message goes.
type Decision int

const (
	Drop Decision = iota
	Status
	Command
)

func (d Decision) String() string {
	switch d {
	case Drop:
		return "drop"
	case Status:
		return "status"
	case Command:
		return "command"
	default:
		return "unknown"
	}
}

// Options are the read-only inputs of Filter.
type Options struct {
	// Restricted drops direct messages from anyone but the instance itself.
	// Group traffic is never restricted.
	Restricted bool
}

// Filter decides where msg goes and returns it with any ephemeral envelope
// removed. It has no side effects.
func Filter(msg protocol.Message, opts Options) (protocol.Message, Decision) {
	if msg.Payload == nil {
		return msg, Drop
	}

	if inner := msg.Payload.Ephemeral; inner != nil {
		msg.Payload = inner
	}

	if msg.RemoteJID == protocol.StatusBroadcastJID {
		return msg, Status
	}

	if opts.Restricted && !msg.FromMe && !protocol.IsGroup(msg.RemoteJID) {
		return msg, Drop
	}

	if isRetryReceipt(msg.ID) {
		return msg, Drop
	}

	return msg, Command
}

func isRetryReceipt(id string) bool {
	return len(id) == retryReceiptLength && strings.HasPrefix(id, retryReceiptPrefix)
}
