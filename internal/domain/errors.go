package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput signals an empty plaintext passed to the cipher.
	ErrEmptyInput = errors.New("crypto: input is empty")
	// ErrMalformedCiphertext indicates the encrypted envelope does not parse.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")
	// ErrDecryptionFailed indicates tag verification or decryption failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	// ErrNoActiveToken signals no active credential for (workspace, kind).
	ErrNoActiveToken = errors.New("token: no active token")
	// ErrReauthorizationRequired means refresh is impossible and the caller
	// must restart the full authorization flow. The record is deactivated as
	// a side effect wherever this is returned.
	ErrReauthorizationRequired = errors.New("token: reauthorization required")
	// ErrInvalidState indicates the OAuth state parameter failed validation.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrWebhookVerification indicates an inbound webhook failed signature or
	// replay checks.
	ErrWebhookVerification = errors.New("oauth: webhook verification failed")
)

// ExchangeReason classifies provider-reported failures during the
// code-for-token exchange into user-actionable kinds.
type ExchangeReason string

const (
	ExchangeInvalidCode         ExchangeReason = "invalid_code"
	ExchangeCodeAlreadyUsed     ExchangeReason = "code_already_used"
	ExchangeRedirectURIMismatch ExchangeReason = "invalid_redirect_uri"
	ExchangeProviderError       ExchangeReason = "oauth_failed"
)

// ExchangeError carries the classified reason plus the provider's raw error
// code for log output. Authorization codes are single-use, so none of these
// are retryable.
type ExchangeError struct {
	Reason ExchangeReason
	Code   string
}

func (e *ExchangeError) Error() string {
	if e.Code != "" && string(e.Reason) != e.Code {
		return fmt.Sprintf("oauth: exchange failed: %s (%s)", e.Reason, e.Code)
	}
	return fmt.Sprintf("oauth: exchange failed: %s", e.Reason)
}
