package platform

import (
	"errors"
	"fmt"
)

// ErrSessionNotEstablished indicates outbound delivery was attempted on a
// session-gated platform before any inbound contact supplied a session
// reference. The condition is permanent until the platform-side user
// speaks first; callers must not retry.
var ErrSessionNotEstablished = errors.New("conversation session not established")

// ErrMalformedPayload indicates an inbound webhook body that could not be
// parsed as the platform's payload shape.
var ErrMalformedPayload = errors.New("malformed platform payload")

// DeliveryError wraps a platform delivery failure and records whether the
// failure is transient (network, rate limit) and worth retrying.
type DeliveryError struct {
	Platform  Platform
	Transient bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s delivery failed (%s): %v", e.Platform, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// TransientDelivery wraps err as a retryable delivery failure.
func TransientDelivery(p Platform, err error) *DeliveryError {
	return &DeliveryError{Platform: p, Transient: true, Err: err}
}

// PermanentDelivery wraps err as a non-retryable delivery failure.
func PermanentDelivery(p Platform, err error) *DeliveryError {
	return &DeliveryError{Platform: p, Transient: false, Err: err}
}

// IsTransient reports whether err is a retryable delivery failure.
// Session gating is never retryable.
func IsTransient(err error) bool {
	if errors.Is(err, ErrSessionNotEstablished) {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Transient
	}
	return false
}
