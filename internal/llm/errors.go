package llm

import (
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Reason categorizes why a provider request failed. The driver's
// retry and surfacing behavior keys off it.
type Reason string

const (
	// ReasonQuota indicates a per-key quota was exhausted; the Gemini
	// driver rotates to the next key on this.
	ReasonQuota Reason = "quota"

	// ReasonRateLimit indicates request-rate throttling (OpenAI 429);
	// surfaced to the user with a try-again hint, no retry path.
	ReasonRateLimit Reason = "rate_limit"

	// ReasonServer indicates a 5xx from the provider.
	ReasonServer Reason = "server_error"

	// ReasonConnection indicates a transport-level failure.
	ReasonConnection Reason = "connection"

	// ReasonAuth indicates a credential problem (401/403).
	ReasonAuth Reason = "auth"

	// ReasonUnknown is everything else.
	ReasonUnknown Reason = "unknown"
)

// ProviderError is the structured error the drivers return for
// provider failures.
type ProviderError struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Reason, e.Model, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Reason, e.Model)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsQuota reports whether err is a quota-exhaustion provider error.
func IsQuota(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Reason == ReasonQuota
}

// IsRateLimit reports whether err is a rate-limit provider error.
func IsRateLimit(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Reason == ReasonRateLimit
}

// UserMessage renders the single human-readable line the transport
// shows for a failed request.
func UserMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Reason {
		case ReasonQuota:
			return "The assistant is out of capacity on all API keys right now. Please try again later."
		case ReasonRateLimit:
			return "The assistant is being rate limited. Please try again in a minute."
		case ReasonServer, ReasonConnection:
			return "The model service is having trouble. Please try again."
		case ReasonAuth:
			return "The assistant is misconfigured (credentials rejected)."
		}
	}
	return "Something went wrong while talking to the model."
}

// classifyGeminiError maps a genai SDK error onto the taxonomy.
func classifyGeminiError(provider, model string, err error) *ProviderError {
	pe := &ProviderError{Reason: ReasonUnknown, Provider: provider, Model: model, Err: err}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pe.Status = apiErr.Code
		switch {
		case apiErr.Code == 429:
			pe.Reason = ReasonQuota
		case apiErr.Code == 401 || apiErr.Code == 403:
			pe.Reason = ReasonAuth
		case apiErr.Code >= 500:
			pe.Reason = ReasonServer
		}
		if pe.Reason != ReasonUnknown {
			return pe
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "429"):
		pe.Reason = ReasonQuota
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		pe.Reason = ReasonConnection
	case strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "service unavailable"):
		pe.Reason = ReasonServer
	}
	return pe
}

// classifyOpenAIError maps a go-openai SDK error onto the taxonomy.
func classifyOpenAIError(provider, model string, err error) *ProviderError {
	pe := &ProviderError{Reason: ReasonUnknown, Provider: provider, Model: model, Err: err}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe.Status = apiErr.HTTPStatusCode
		switch {
		case apiErr.HTTPStatusCode == 429:
			pe.Reason = ReasonRateLimit
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			pe.Reason = ReasonAuth
		case apiErr.HTTPStatusCode >= 500:
			pe.Reason = ReasonServer
		}
		if pe.Reason != ReasonUnknown {
			return pe
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		pe.Reason = ReasonRateLimit
	case strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		pe.Reason = ReasonConnection
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		pe.Reason = ReasonServer
	}
	return pe
}
