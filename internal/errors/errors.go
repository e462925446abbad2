package errors

import "errors"

// Session errors. ErrUnauthenticated is the expected anonymous state and
// is not an operational failure.
var (
	ErrUnauthenticated      = errors.New("not authenticated")
	ErrAuthEndpointRejected = errors.New("authentication request rejected")
	ErrSessionExpired       = errors.New("session expired")
)

// OAuth completion errors.
var (
	ErrDuplicateExchange        = errors.New("authorization code already exchanged")
	ErrExpiredExchange          = errors.New("authorization code expired")
	ErrMissingExchangeParams    = errors.New("missing or invalid authentication parameters")
	ErrProviderDenied           = errors.New("identity provider did not authorize the sign-in")
	ErrRoleSelectionUnavailable = errors.New("role selection is not pending")
	ErrSubmissionInFlight       = errors.New("role submission already in progress")
)

// Server/transport errors.
var (
	ErrRequestFailed = errors.New("API request failed")
)
