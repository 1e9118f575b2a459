package store

import "github.com/stonkschool/contest-engine/internal/apperr"

// Domain rule violations detected at the storage boundary. Each carries the
// apperr.Kind the transport layer maps to a status code.
var (
	ErrWalletNotFound      = apperr.New(apperr.KindNotFound, "wallet not found")
	ErrContestNotFound     = apperr.New(apperr.KindNotFound, "contest not found")
	ErrParticipantNotFound = apperr.New(apperr.KindNotFound, "not a participant of this contest")
	ErrReplayNotFound      = apperr.New(apperr.KindNotFound, "replay session not found")
	ErrCandleNotFound      = apperr.New(apperr.KindNotFound, "candle not found")
	ErrNotRanked           = apperr.New(apperr.KindNotFound, "user is not on the leaderboard")

	ErrInsufficientFunds = apperr.New(apperr.KindPaymentRequired, "insufficient balance")

	ErrContestNotOpen = apperr.New(apperr.KindConflict, "contest is not open for joining")
	ErrContestFull    = apperr.New(apperr.KindConflict, "contest is full")
	ErrAlreadyJoined  = apperr.New(apperr.KindConflict, "already joined this contest")
	ErrAlreadyLocked  = apperr.New(apperr.KindConflict, "allocation already locked")
	ErrStatusConflict = apperr.New(apperr.KindConflict, "contest status changed concurrently")
	ErrContestExists  = apperr.New(apperr.KindConflict, "contest already exists")

	ErrContestStarted = apperr.New(apperr.KindForbidden, "contest has already started")

	ErrIllegalTransition = apperr.New(apperr.KindInternal, "illegal contest status transition")

	// ErrNoPrice means no candle exists at or before the requested instant.
	// Valuation treats it as stale data, never as a zero price.
	ErrNoPrice = apperr.New(apperr.KindInternal, "no price data available")
)
