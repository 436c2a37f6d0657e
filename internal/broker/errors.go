package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sony/gobreaker"
)

// APIError is a non-success venue response.
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d [%s]: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// Order outcome errors returned by fill verification.
var (
	ErrOrderRejected    = errors.New("order rejected")
	ErrOrderCancelled   = errors.New("order cancelled")
	ErrOrderUnconfirmed = errors.New("order unconfirmed")
)

// OrderError reports an order that ended without a fill, or one whose state could not be settled.
type OrderError struct {
	Err     error
	OrderID string
	State   OrderState
	Message string
}

func (e *OrderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("order %s %s: %s", e.OrderID, e.State, e.Message)
	}
	return fmt.Sprintf("order %s %s", e.OrderID, e.State)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// ErrorClass drives retry policy.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassAuth
	ClassRateLimit
	ClassTransient
	ClassRejected
	ClassUnknown
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassAuth:
		return "auth"
	case ClassRateLimit:
		return "rate_limit"
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Venue error codes
var (
	authCodes = map[string]bool{
		"AB1007": true, // invalid session
		"AB1010": true, // session expired
		"AB1003": true, // invalid token
		"AG8001": true, // invalid token
		"AG8002": true, // token expired
		"AG8003": true, // token missing
	}
	rateLimitCodes = map[string]bool{"AB2001": true}
	transientCodes = map[string]bool{"AB1004": true}
)

var (
	authPatterns      = []string{"invalid token", "token expired", "session expired", "unauthorized", "invalid session"}
	rateLimitPatterns = []string{"rate limit", "too many requests", "exceeding access rate", "429"}
	transientPatterns = []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"502",
		"503",
		"504",
		"network",
		"eof",
		"empty response",
	}
)

// Classify maps an error to its retry class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrOrderRejected) || errors.Is(err, ErrOrderCancelled) {
		return ClassRejected
	}
	if errors.Is(err, ErrOrderUnconfirmed) {
		return ClassUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case authCodes[apiErr.Code]:
			return ClassAuth
		case rateLimitCodes[apiErr.Code]:
			return ClassRateLimit
		case transientCodes[apiErr.Code]:
			return ClassTransient
		case apiErr.Status == 401 || apiErr.Status == 403:
			return ClassAuth
		case apiErr.Status == 429:
			return ClassRateLimit
		case apiErr.Status >= 500:
			return ClassTransient
		case apiErr.Status >= 400 || apiErr.Code != "":
			return ClassRejected
		}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, authPatterns):
		return ClassAuth
	case containsAny(msg, rateLimitPatterns):
		return ClassRateLimit
	case containsAny(msg, transientPatterns):
		return ClassTransient
	}
	return ClassUnknown
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
