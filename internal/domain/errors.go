package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Stable client-facing error codes
// ──────────────────────────────────────────────────────────────────────────────

// ErrorCode is the stable taxonomy surfaced to clients in bet:rejected and
// error frames. Codes never change once shipped; messages may.
type ErrorCode string

const (
	CodeNoActiveRound       ErrorCode = "NO_ACTIVE_ROUND"
	CodeBettingClosed       ErrorCode = "BETTING_CLOSED"
	CodeTargetTimePassed    ErrorCode = "TARGET_TIME_PASSED"
	CodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	CodeMaxBetsReached      ErrorCode = "MAX_BETS_REACHED"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeDuplicateBet        ErrorCode = "DUPLICATE_BET"
	CodeUserNotFound        ErrorCode = "USER_NOT_FOUND"
	CodeUserBanned          ErrorCode = "USER_BANNED"
	CodeUserSilenced        ErrorCode = "USER_SILENCED"
	CodeRoundNotFound       ErrorCode = "ROUND_NOT_FOUND"
	CodePriceUnavailable    ErrorCode = "PRICE_UNAVAILABLE"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Round errors
var (
	// ErrNoActiveRound is returned when a bet arrives with no round in memory.
	ErrNoActiveRound = errors.New("no active round")

	// ErrBettingClosed is returned when the round exists but its betting
	// window is over (in memory or by the authoritative DB re-check).
	ErrBettingClosed = errors.New("betting is closed for this round")

	// ErrRoundNotFound is returned when no round matches the given id.
	ErrRoundNotFound = errors.New("round not found")

	// ErrRoundConflict is returned when a conditional status transition
	// affected zero rows (another engine won the transition).
	ErrRoundConflict = errors.New("round status transition lost")

	// ErrPriceUnavailable is returned when the price feed has no fresh price.
	ErrPriceUnavailable = errors.New("price unavailable")
)

// Bet errors
var (
	// ErrTargetTimePassed is returned when targetTime is not strictly ahead
	// of elapsed + MinTargetTimeOffset, or past the round's max duration.
	ErrTargetTimePassed = errors.New("target time is out of the valid window")

	// ErrInvalidAmount is returned for non-finite, non-positive, out-of-range
	// or sub-cent stakes.
	ErrInvalidAmount = errors.New("invalid bet amount")

	// ErrInvalidTarget is returned for a target row outside [0, MaxRowIndex].
	ErrInvalidTarget = errors.New("invalid target row")

	// ErrMaxBetsReached is returned when the engine or per-user pending cap
	// is hit.
	ErrMaxBetsReached = errors.New("maximum pending bets reached")

	// ErrRateLimited is returned when the per-user sliding window rejects
	// an admission.
	ErrRateLimited = errors.New("too many bets, slow down")

	// ErrDuplicateBet is returned when an orderId already belongs to a
	// different user.
	ErrDuplicateBet = errors.New("duplicate order id")

	// ErrBetAlreadySettled is returned when a refund races a settlement.
	ErrBetAlreadySettled = errors.New("bet is already settled")

	// ErrRiskCapExceeded is returned when the projected payout reservation
	// would push the round past its liability cap.
	ErrRiskCapExceeded = errors.New("round payout cap exceeded")

	// ErrOrderIDRequired is returned for an empty orderId.
	ErrOrderIDRequired = errors.New("order id is required")
)

// User / money errors
var (
	// ErrUserNotFound is returned when no user matches the given id.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserBanned is returned when an inactive user attempts an action.
	ErrUserBanned = errors.New("user account is banned")

	// ErrUserSilenced is returned when a silenced user attempts to bet.
	ErrUserSilenced = errors.New("user is silenced")

	// ErrInsufficientBalance is returned when the conditional balance debit
	// affects zero rows.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrPoolConflict is returned when the house pool optimistic-version
	// loop exhausts its retries.
	ErrPoolConflict = errors.New("house pool version conflict")
)

// Auth errors
var (
	// ErrUnauthorized is returned when a valid token is not present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenInvalid is returned when a token cannot be parsed or its
	// signature does not match.
	ErrTokenInvalid = errors.New("token is invalid")
)

// ──────────────────────────────────────────────────────────────────────────────
// Error → code mapping
// ──────────────────────────────────────────────────────────────────────────────

var codeByError = []struct {
	err  error
	code ErrorCode
}{
	{ErrNoActiveRound, CodeNoActiveRound},
	{ErrBettingClosed, CodeBettingClosed},
	{ErrRoundNotFound, CodeRoundNotFound},
	{ErrPriceUnavailable, CodePriceUnavailable},
	{ErrTargetTimePassed, CodeTargetTimePassed},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrInvalidTarget, CodeInvalidRequest},
	{ErrOrderIDRequired, CodeInvalidRequest},
	{ErrMaxBetsReached, CodeMaxBetsReached},
	{ErrRateLimited, CodeRateLimited},
	{ErrDuplicateBet, CodeDuplicateBet},
	{ErrRiskCapExceeded, CodeMaxBetsReached},
	{ErrUserNotFound, CodeUserNotFound},
	{ErrUserBanned, CodeUserBanned},
	{ErrUserSilenced, CodeUserSilenced},
	{ErrInsufficientBalance, CodeInsufficientBalance},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrTokenInvalid, CodeUnauthorized},
}

// CodeFor translates a domain error chain into its stable client code.
// Unknown errors map to INTERNAL_ERROR.
func CodeFor(err error) ErrorCode {
	for _, m := range codeByError {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeInternalError
}

// IsRejection returns true for errors that fail a single bet without being
// server faults: the admission pipeline surfaces these as bet:rejected and
// does not log them as errors.
func IsRejection(err error) bool {
	return CodeFor(err) != CodeInternalError
}
