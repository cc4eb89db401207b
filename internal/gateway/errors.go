package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindCanceled Kind = "canceled"
	KindNetwork  Kind = "network"
	KindProvider Kind = "provider"
)

// ErrNoProviders is returned when no provider is configured.
var ErrNoProviders = errors.New("no model providers configured")

// UpstreamError describes a failed model invocation.
type UpstreamError struct {
	Kind     Kind
	Provider string
	Status   int // HTTP status for KindProvider, zero otherwise
	Err      error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("gateway %s: provider %s returned status %d", e.Kind, e.Provider, e.Status)
	case e.Provider != "":
		return fmt.Sprintf("gateway %s: provider %s: %v", e.Kind, e.Provider, e.Err)
	default:
		return fmt.Sprintf("gateway %s: %v", e.Kind, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a gateway timeout.
func IsTimeout(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == KindTimeout
}

// retryable reports whether another attempt against the same provider may
// succeed: network failures, 429 and 5xx.
func (e *UpstreamError) retryable() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindProvider:
		return e.Status == 429 || e.Status >= 500
	}
	return false
}

// classify wraps a transport error from the HTTP client.
func classify(provider string, err error) *UpstreamError {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	kind := KindNetwork
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTimeout
		}
	}
	return &UpstreamError{Kind: kind, Provider: provider, Err: err}
}
