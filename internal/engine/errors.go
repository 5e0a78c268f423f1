package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrLLMUnavailable is returned by every model call when no provider is configured.
var ErrLLMUnavailable = errors.New("llm unavailable: no API key configured for provider")

// SchemaError means the model kept answering with something that is not a plan.
type SchemaError struct {
	Message string
	Raw     string
}

func (e *SchemaError) Error() string { return "model output rejected: " + e.Message }

// ErrorClass buckets provider failures for logs and the llm error counter.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	// ErrorClassSchema: the answer never matched the plan schema.
	ErrorClassSchema  ErrorClass = "SCHEMA"
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// Ordered: the first class with a matching needle wins.
var classNeedles = []struct {
	class   ErrorClass
	needles []string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "invalid x-api-key"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "overloaded"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "maximum context", "context window", "token limit", "max tokens", "prompt is too long"}},
}

// ClassifyError maps an error from a model call to its ErrorClass.
func ClassifyError(err error) ErrorClass {
	var se *SchemaError
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrLLMUnavailable):
		return ErrorClassAuth
	case errors.As(err, &se):
		return ErrorClassSchema
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, c := range classNeedles {
		for _, n := range c.needles {
			if strings.Contains(msg, n) {
				return c.class
			}
		}
	}
	return ErrorClassUnknown
}

// Hint is a short operator-facing suggestion logged next to the failure.
func (c ErrorClass) Hint() string {
	switch c {
	case ErrorClassAuth:
		return "check llm.api_key or the provider key in .env"
	case ErrorClassRateLimit:
		return "provider is throttling; retry later or lower max_iterations"
	case ErrorClassTimeout:
		return "model call timed out; check provider status or base_url"
	case ErrorClassBilling:
		return "provider account has no remaining credit"
	case ErrorClassContextOverflow:
		return "prompt too large; drop unused schema files from the data folder"
	case ErrorClassSchema:
		return "model did not return a plan; try a stronger builder model"
	}
	return ""
}
