package quota

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInsufficientTokens is returned when the balance cannot cover one image.
	ErrInsufficientTokens = errors.New("insufficient tokens")
	// ErrDailyLimit is returned when today's image allowance is used up.
	ErrDailyLimit = errors.New("daily limit reached")
	// ErrRateLimited is returned when the plan's generation spacing has not elapsed.
	ErrRateLimited = errors.New("rate limited")
)

// DeniedError reports which eligibility check failed, with a user-facing message.
// It wraps one of ErrInsufficientTokens, ErrDailyLimit or ErrRateLimited.
type DeniedError struct {
	Reason     error
	Message    string
	RetryAfter time.Duration // Set for ErrRateLimited
}

func (e *DeniedError) Error() string { return e.Message }

func (e *DeniedError) Unwrap() error { return e.Reason }

func insufficientTokens(balance, cost float64) *DeniedError {
	return &DeniedError{
		Reason:  ErrInsufficientTokens,
		Message: fmt.Sprintf("Insufficient tokens: %g required, %g available", cost, balance),
	}
}

func dailyLimit() *DeniedError {
	return &DeniedError{
		Reason:  ErrDailyLimit,
		Message: "Daily limit reached. Try again tomorrow.",
	}
}

func rateLimited(remaining time.Duration) *DeniedError {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return &DeniedError{
		Reason:     ErrRateLimited,
		Message:    fmt.Sprintf("Please wait %d seconds before generating another image", secs),
		RetryAfter: remaining,
	}
}
