package delivery

import (
	"fmt"
	"strings"
)

// Status is the delivery state of a message. Sending < Sent < Delivered <
// Read; Failed is terminal and only reachable from Sending.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseStatus parses the wire form of a status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sending":
		return StatusSending, nil
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read", "seen":
		return StatusRead, nil
	case "failed":
		return StatusFailed, nil
	}
	return 0, fmt.Errorf("unknown message status %q", s)
}

// CanAdvance reports whether a message in status from may move to to.
// Equal statuses do not advance.
func CanAdvance(from, to Status) bool {
	if from == StatusFailed || to < StatusSending || to > StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from == StatusSending
	}
	return to > from
}

// Final reports whether no further transition is possible.
func (s Status) Final() bool {
	return s == StatusRead || s == StatusFailed
}
