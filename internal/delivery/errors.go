package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sony/gobreaker"

	"PulseRelay/internal/models"
)

// Category names a class of provider failure.
type Category string

const (
	CategoryThrottling         Category = "throttling"
	CategoryNetwork            Category = "network"
	CategoryTimeout            Category = "timeout"
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryCircuitOpen        Category = "circuit_open"
	CategoryInvalidRecipient   Category = "invalid_recipient"
	CategoryRejected           Category = "rejected"
	CategoryInvalidRequest     Category = "invalid_request"
	CategoryAuth               Category = "auth"
	CategoryUnknown            Category = "unknown"
)

// retryableCategories is the allow-list consulted for every retry decision.
// Anything not listed is treated as permanent.
var retryableCategories = map[Category]bool{
	CategoryThrottling:         true,
	CategoryNetwork:            true,
	CategoryTimeout:            true,
	CategoryServiceUnavailable: true,
	CategoryCircuitOpen:        true,
}

func (c Category) Retryable() bool {
	return retryableCategories[c]
}

// ProviderError is returned by provider clients with enough detail to classify.
type ProviderError struct {
	Provider string
	Category Category
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Provider, e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Category, e.Message)
}

// DeliveryError is the normalised failure of a send. Whether it may be
// retried follows from Category alone.
type DeliveryError struct {
	Channel  models.Channel
	Category Category
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery: %s send failed (%s, retryable=%t): %v", e.Channel, e.Category, e.Retryable(), e.Err)
}

func (e *DeliveryError) Retryable() bool { return e.Category.Retryable() }

func (e *DeliveryError) Unwrap() error { return e.Err }

// Classify maps any send error onto a category. The result depends only on
// the error value, so repeated evaluation of the same error agrees.
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Category
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Category == "" {
			return CategoryUnknown
		}
		return pe.Category
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return CategoryCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryNetwork
	}

	return CategoryUnknown
}

// IsRetryable reports whether err belongs to a retryable category.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}

func normalize(ch models.Channel, err error) *DeliveryError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	c := Classify(err)
	return &DeliveryError{Channel: ch, Category: c, Err: err}
}
