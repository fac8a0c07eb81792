package token

import (
	"errors"
	"fmt"
)

// Reason classifies a verification failure.
type Reason string

const (
	ReasonMalformed         Reason = "malformed"
	ReasonSignatureMismatch Reason = "signature_mismatch"
	ReasonExpired           Reason = "expired"
	ReasonMissingClaims     Reason = "missing_claims"
	// ReasonKeyUnavailable means the verification key could not be fetched; the token is
	// rejected but a later retry with the same token may succeed.
	ReasonKeyUnavailable Reason = "key_unavailable"
)

var (
	// ErrInvalidToken matches every *VerifyError.
	ErrInvalidToken  = errors.New("token: invalid token")
	ErrMissingClaims = errors.New("token: missing mandatory claims")
	ErrInvalidTTL    = errors.New("token: ttl must be positive")
)

// VerifyError is returned by Codec.Verify.
type VerifyError struct {
	Reason Reason
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("token: %s", e.Reason)
	}
	return fmt.Sprintf("token: %s: %v", e.Reason, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

func (e *VerifyError) Is(target error) bool { return target == ErrInvalidToken }

// Retryable reports whether presenting a fresh token (or retrying later) may succeed.
func (e *VerifyError) Retryable() bool {
	return e.Reason == ReasonExpired || e.Reason == ReasonKeyUnavailable
}

// ReasonOf extracts the failure reason from err.
func ReasonOf(err error) (Reason, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}
