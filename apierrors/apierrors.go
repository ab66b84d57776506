// Package apierrors maps raw transport and HTTP failures onto the error
// taxonomy the rest of the client is built around. Classification is pure:
// the same status, body, and transport error always produce the same
// ClassifiedError, and nothing here performs I/O or touches session state.
package apierrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/tidwall/gjson"
)

// Category identifies which recovery policy applies to a failure.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryNotFound   Category = "not_found"
	CategoryConflict   Category = "conflict"
	CategoryRateLimit  Category = "rate_limit"
	CategoryServer     Category = "server"
	CategoryUnknown    Category = "unknown"
)

// Default messages per category, used when the server body carries none.
var defaultMessages = map[Category]string{
	CategoryNetwork:    "network error, please check your connection",
	CategoryAuth:       "authentication required",
	CategoryValidation: "the submitted data is invalid",
	CategoryNotFound:   "the requested resource was not found",
	CategoryConflict:   "the request conflicts with the current state",
	CategoryRateLimit:  "too many requests, please slow down",
	CategoryServer:     "the server encountered an error",
	CategoryUnknown:    "an unexpected error occurred",
}

// ClassifiedError is the only error type surfaced by the request pipeline.
type ClassifiedError struct {
	Category     Category
	Status       int    // 0 when no response was received
	Message      string // server-supplied when present, category default otherwise
	Retryable    bool
	ForcesLogout bool // true only for 401 responses
	cause        error
}

func (e *ClassifiedError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Category, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Category, e.Status, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// Classify maps a failed call onto the taxonomy. Exactly one of
// (status, body) and transportErr is meaningful: a non-nil transportErr
// means no response was received at all.
func Classify(status int, body []byte, transportErr error) *ClassifiedError {
	if transportErr != nil {
		return classifyTransport(transportErr)
	}

	ce := &ClassifiedError{Status: status}
	switch {
	case status == http.StatusUnauthorized:
		ce.Category = CategoryAuth
		ce.ForcesLogout = true
	case status == http.StatusForbidden:
		ce.Category = CategoryAuth
		ce.Message = "you do not have permission to perform this action"
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		ce.Category = CategoryValidation
	case status == http.StatusNotFound:
		ce.Category = CategoryNotFound
	case status == http.StatusConflict:
		ce.Category = CategoryConflict
	case status == http.StatusTooManyRequests:
		ce.Category = CategoryRateLimit
		ce.Retryable = true
	case status == http.StatusRequestTimeout ||
		status == http.StatusInternalServerError ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout:
		// 501 deliberately stays out: a Not Implemented endpoint will not
		// start working on retry.
		ce.Category = CategoryServer
		ce.Retryable = true
	default:
		ce.Category = CategoryUnknown
	}

	if msg := serverMessage(body); msg != "" {
		ce.Message = msg
	} else if ce.Message == "" {
		ce.Message = defaultMessages[ce.Category]
	}
	return ce
}

func classifyTransport(err error) *ClassifiedError {
	ce := &ClassifiedError{
		Category:  CategoryNetwork,
		Message:   defaultMessages[CategoryNetwork],
		Retryable: true,
		cause:     err,
	}

	// A cancelled or timed-out context means the caller gave up on the
	// whole operation; retrying would outlive its deadline.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		ce.Retryable = false
		ce.Message = "request cancelled"
		return ce
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		ce.Message = "request timed out"
	}
	return ce
}

// serverMessage extracts the message field from the standard error body
// {statusCode, message: string | string[], error?}. The first element wins
// when the server sends an array of validation messages.
func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	msg := gjson.GetBytes(body, "message")
	switch {
	case msg.IsArray():
		arr := msg.Array()
		if len(arr) == 0 {
			return ""
		}
		return arr[0].String()
	case msg.Type == gjson.String:
		return msg.String()
	default:
		return ""
	}
}
