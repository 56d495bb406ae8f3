// Package errs provides structured error types and helpers for marketpulse services.
package errs

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category within the monitor.
type Code string

const (
	// CodeConfiguration indicates invalid configuration detected at startup.
	CodeConfiguration Code = "configuration"
	// CodeConnection indicates a websocket dial, read, or write failure.
	CodeConnection Code = "connection"
	// CodeAuth indicates an explicit authentication rejection from a provider.
	CodeAuth Code = "auth"
	// CodeRateLimited indicates that the request exceeded provider rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeTransient indicates a retryable provider or network failure.
	CodeTransient Code = "transient"
	// CodeValidation indicates malformed data that was dropped, not a system fault.
	CodeValidation Code = "validation"
	// CodeInternal indicates a broken invariant; never expected at runtime.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the marketpulse stack.
type E struct {
	Provider   string
	Code       Code
	HTTP       int
	Message    string
	RetryAfter time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the provider and error code.
func New(provider string, code Code, opts ...Option) *E {
	e := &E{
		Provider:   strings.TrimSpace(provider),
		Code:       code,
		HTTP:       0,
		Message:    "",
		RetryAfter: 0,
		cause:      nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRetryAfter records the provider-requested retry delay.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	provider := strings.TrimSpace(e.Provider)
	if provider == "" {
		provider = "unknown"
	}
	parts = append(parts, "provider="+provider)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is lets errors.Is match envelopes by code.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// RateLimited constructs a rate-limit error carrying an optional retry delay.
func RateLimited(provider string, retryAfter time.Duration, opts ...Option) *E {
	all := append([]Option{
		WithHTTP(http.StatusTooManyRequests),
		WithRetryAfter(retryAfter),
	}, opts...)
	return New(provider, CodeRateLimited, all...)
}

// AuthFailed constructs a terminal authentication error.
func AuthFailed(provider, msg string) *E {
	return New(provider, CodeAuth, WithMessage(msg))
}

// HasCode reports whether the outermost envelope in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry-after:\s*(.+)`)

// AsRateLimit reports whether err represents a rate-limit failure and extracts
// the retry delay when the provider supplied one. Untyped errors are sniffed
// for "429" or "rate limit" substrings, and a "Retry-After: <value>" fragment
// anywhere in the chain's messages is honoured in both delta-seconds and
// HTTP-date forms.
func AsRateLimit(err error) (retryAfter time.Duration, ok bool) {
	if err == nil {
		return 0, false
	}
	var e *E
	if errors.As(err, &e) && e.Code == CodeRateLimited {
		return e.RetryAfter, true
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "429") && !strings.Contains(lower, "rate limit") {
		return 0, false
	}
	if m := retryAfterPattern.FindStringSubmatch(msg); len(m) == 2 {
		if d, perr := ParseRetryAfter(m[1]); perr == nil {
			return d, true
		}
		// Delta-seconds followed by unrelated trailing text.
		if fields := strings.Fields(m[1]); len(fields) > 0 {
			if d, perr := ParseRetryAfter(fields[0]); perr == nil {
				return d, true
			}
		}
	}
	return 0, true
}

// MaxRetryAfter caps provider-requested retry delays.
const MaxRetryAfter = 5 * time.Minute

// ParseRetryAfter interprets a Retry-After value as either delta-seconds or an
// RFC 7231 HTTP-date. Results are capped at MaxRetryAfter.
func ParseRetryAfter(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("empty retry-after value")
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			secs = 0
		}
		return capRetryAfter(time.Duration(secs) * time.Second), nil
	}
	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return capRetryAfter(d), nil
	}
	return 0, errors.New("unparseable retry-after value: " + strconv.Quote(value))
}

func capRetryAfter(d time.Duration) time.Duration {
	if d > MaxRetryAfter {
		return MaxRetryAfter
	}
	return d
}
