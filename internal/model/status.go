package model

import (
	"fmt"
)

// ContestStatus is the lifecycle phase of a contest. The zero value is not a
// valid status. Statuses are ordered; a contest only ever moves forward one
// step at a time.
type ContestStatus uint8

const (
	StatusUpcoming ContestStatus = iota + 1
	StatusJoiningOpen
	StatusAllocationLocked
	StatusLive
	StatusEnded
	StatusSettled
)

var statusNames = map[ContestStatus]string{
	StatusUpcoming:         "upcoming",
	StatusJoiningOpen:      "joining_open",
	StatusAllocationLocked: "allocation_locked",
	StatusLive:             "live",
	StatusEnded:            "ended",
	StatusSettled:          "settled",
}

// transitions is the exhaustive table of legal moves.
var transitions = map[ContestStatus]ContestStatus{
	StatusUpcoming:         StatusJoiningOpen,
	StatusJoiningOpen:      StatusAllocationLocked,
	StatusAllocationLocked: StatusLive,
	StatusLive:             StatusEnded,
	StatusEnded:            StatusSettled,
}

// ParseContestStatus converts the persisted name into a ContestStatus.
func ParseContestStatus(s string) (ContestStatus, error) {
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("model: unknown contest status %q", s)
}

func (s ContestStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is a known status.
func (s ContestStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Next returns the status that follows s, and false for terminal or unknown
// statuses.
func (s ContestStatus) Next() (ContestStatus, bool) {
	next, ok := transitions[s]
	return next, ok
}

// CanTransition reports whether from → to is a legal single-step move.
func CanTransition(from, to ContestStatus) bool {
	next, ok := transitions[from]
	return ok && next == to
}

// Started reports whether the contest has gone live (or beyond).
func (s ContestStatus) Started() bool { return s >= StatusLive }

// Ranked reports whether leaderboard recomputes run in this status.
func (s ContestStatus) Ranked() bool {
	return s == StatusAllocationLocked || s == StatusLive
}

func (s ContestStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("model: cannot marshal invalid contest status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *ContestStatus) UnmarshalText(b []byte) error {
	st, err := ParseContestStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
