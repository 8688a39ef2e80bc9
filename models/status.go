package models

import "fmt"

// Status is the delivery state of a message. It only moves forward:
// sent < delivered < read.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank returns the position of s in the delivery order, or -1 if s is unknown.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

// After reports whether s is strictly later than other.
func (s Status) After(other Status) bool {
	return s.Rank() > other.Rank()
}

// StatusFromRank is the inverse of Rank.
func StatusFromRank(rank int) (Status, error) {
	switch rank {
	case 0:
		return StatusSent, nil
	case 1:
		return StatusDelivered, nil
	case 2:
		return StatusRead, nil
	}
	return "", fmt.Errorf("unknown status rank %d", rank)
}
