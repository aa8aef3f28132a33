// Package awsapi holds shared helpers for classifying AWS API errors
// into the engine's error taxonomy.
package awsapi

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/cloudreaper/cloudreaper/pkg/engine"
)

// ErrorCode extracts the AWS API error code from err, or an empty
// string when err is not an API error.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsCode reports whether err carries one of the given API error codes.
func IsCode(err error, codes ...string) bool {
	got := ErrorCode(err)
	if got == "" {
		return false
	}
	for _, code := range codes {
		if got == code {
			return true
		}
	}
	return false
}

// MessageContains reports whether an API error's message contains the
// given fragment. Some services signal distinct conditions only
// through the message text.
func MessageContains(err error, fragment string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.ErrorMessage(), fragment)
	}
	return false
}

var throttleCodes = map[string]struct{}{
	"Throttling":                             {},
	"ThrottlingException":                    {},
	"RequestLimitExceeded":                   {},
	"TooManyRequestsException":               {},
	"ProvisionedThroughputExceededException": {},
}

var transientCodes = map[string]struct{}{
	"ServiceUnavailable":          {},
	"ServiceUnavailableException": {},
	"InternalError":               {},
	"InternalFailure":             {},
	"InternalServerError":         {},
	"RequestTimeout":              {},
	"RequestTimeoutException":     {},
}

// Classify wraps a provider error with the engine classification its
// API code implies. Throttling codes map to throttled, known
// infrastructure codes to transient, everything else to a terminal
// operation failure.
func Classify(message string, err error) *engine.ActionError {
	code := ErrorCode(err)
	if _, ok := throttleCodes[code]; ok {
		return engine.NewThrottledError(message, err).WithCode(code)
	}
	if _, ok := transientCodes[code]; ok {
		return engine.NewTransientError(message, err).WithCode(code)
	}
	classified := engine.NewOperationError(message, err).WithCode(engine.ErrCodeProviderFailed)
	if code != "" {
		classified = classified.WithCode(code)
	}
	return classified
}
