package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind classifies an upstream failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimit
	KindAuth
	KindBadRequest
	KindServer
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	case KindServer:
		return "server"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// ProviderError is the error every LLMProvider returns for a failed call.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err means the credential hit its rate limit.
// Untyped errors fall back to matching the message text.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind == KindRateLimit
	}
	return mentionsRateLimit(err.Error())
}

func mentionsRateLimit(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit")
}

// classifyError wraps a go-openai client error into a ProviderError.
func classifyError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := kindForStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code == "rate_limit_exceeded" {
			kind = KindRateLimit
		}
		if kind == KindUnknown && mentionsRateLimit(apiErr.Message) {
			kind = KindRateLimit
		}
		return &ProviderError{Provider: provider, Kind: kind, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		kind := kindForStatus(reqErr.HTTPStatusCode)
		if kind == KindUnknown && mentionsRateLimit(reqErr.Error()) {
			kind = KindRateLimit
		}
		return &ProviderError{Provider: provider, Kind: kind, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}

	kind := KindNetwork
	if mentionsRateLimit(err.Error()) {
		kind = KindRateLimit
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 400 && status < 500:
		return KindBadRequest
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}
