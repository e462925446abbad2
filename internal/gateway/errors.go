package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/marketplace-session/internal/errors"
	"github.com/tidwall/gjson"
)

// TransientError wraps a network-level failure (no response received).
// The underlying error is preserved verbatim; transient failures never
// touch session state.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Error is the single failure shape produced at the gateway boundary.
// Kind is one of the sentinels in internal/errors and is matched with
// errors.Is.
type Error struct {
	Kind   error
	Method string
	Path   string
	Status int

	// Parsed from the response body when it is a JSON object.
	Code   string
	Detail string
	Fields map[string][]string

	// Err is the underlying cause, e.g. the refresh failure behind a
	// mid-flight expiry.
	Err error

	body string
}

func (e *Error) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s", e.Method, e.Path)

	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}

	b.WriteString(": ")
	b.WriteString(e.Kind.Error())

	switch {
	case e.Detail != "":
		b.WriteString(": ")
		b.WriteString(e.Detail)
	case e.body != "":
		b.WriteString(": ")
		b.WriteString(e.body)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// Message returns the short text shown to the user.
func (e *Error) Message() string {
	switch {
	case errors.Is(e.Kind, apperrors.ErrUnauthenticated):
		return "Please log in to continue."
	case errors.Is(e.Kind, apperrors.ErrSessionExpired):
		return "Your session has expired. Please log in again."
	case e.Detail != "":
		return e.Detail
	case errors.Is(e.Kind, apperrors.ErrAuthEndpointRejected):
		return "Invalid credentials. Please try again."
	}

	if len(e.Fields) > 0 {
		names := make([]string, 0, len(e.Fields))
		for name := range e.Fields {
			names = append(names, name)
		}

		sort.Strings(names)

		return names[0] + ": " + e.Fields[names[0]][0]
	}

	return "Something went wrong. Please try again."
}

// Message reduces any error from this client to a short human-readable
// string. Structured detail stays in the error value for logs.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message()
	}

	switch {
	case IsTransient(err):
		return "Network error. Please check your connection and try again."
	case errors.Is(err, apperrors.ErrExpiredExchange):
		return "Authentication session expired. Please try again."
	case errors.Is(err, apperrors.ErrProviderDenied):
		return "Sign-in was cancelled or not authorized. Please try again."
	case errors.Is(err, apperrors.ErrMissingExchangeParams):
		return "Missing or invalid authentication parameters."
	case errors.Is(err, apperrors.ErrDuplicateExchange):
		return "This sign-in link was already used."
	case errors.Is(err, apperrors.ErrSubmissionInFlight):
		return "Your selection is already being saved."
	case errors.Is(err, apperrors.ErrRoleSelectionUnavailable):
		return "There is no role selection pending."
	}

	return "Something went wrong. Please try again."
}

// newError builds an Error for a completed response, parsing the common
// error body shapes ({"detail": ...}, {"message": ...}, {"code": ...} and
// per-field string lists).
func newError(kind error, spec Spec, resp *Response) *Error {
	e := &Error{
		Kind:   kind,
		Method: spec.method(),
		Path:   spec.Path,
	}

	if resp == nil {
		return e
	}

	e.Status = resp.Status

	if !gjson.ValidBytes(resp.Body) {
		e.body = sanitizeResponseBody(resp.Body)
		return e
	}

	doc := gjson.ParseBytes(resp.Body)
	if !doc.IsObject() {
		e.body = sanitizeResponseBody(resp.Body)
		return e
	}

	for _, key := range []string{"detail", "message", "error"} {
		if v := doc.Get(key); v.Type == gjson.String && v.Str != "" {
			e.Detail = v.Str
			break
		}
	}

	e.Code = doc.Get("code").String()

	doc.ForEach(func(key, value gjson.Result) bool {
		switch key.Str {
		case "detail", "message", "error", "code", "status":
			return true
		}

		var msgs []string

		switch {
		case value.IsArray():
			for _, item := range value.Array() {
				if item.Type == gjson.String {
					msgs = append(msgs, item.Str)
				}
			}
		case value.Type == gjson.String:
			msgs = append(msgs, value.Str)
		}

		if len(msgs) == 0 {
			return true
		}

		if e.Fields == nil {
			e.Fields = make(map[string][]string)
		}

		e.Fields[key.Str] = msgs

		return true
	})

	if e.Detail == "" {
		if nfe := e.Fields["non_field_errors"]; len(nfe) > 0 {
			e.Detail = nfe[0]
		}
	}

	return e
}

// classify maps a non-401 response to nil (2xx) or a request failure.
func classify(spec Spec, resp *Response) error {
	if resp.Status >= http.StatusOK && resp.Status < http.StatusMultipleChoices {
		return nil
	}

	return newError(apperrors.ErrRequestFailed, spec, resp)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return strings.TrimSpace(string(clean))
}
