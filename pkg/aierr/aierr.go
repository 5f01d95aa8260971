// Package aierr defines the gateway's error taxonomy: a closed set of stable
// error codes with HTTP status mapping.
//
// The engine keys its retry, fallback and model-restore decisions off the Code
// field, so codes are part of the wire contract and must never be renamed.
package aierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Error codes. Grouped by the policy the engine applies to them.
const (
	// Configuration.
	CodeOptionsError           = "AI_OPTIONS_ERROR"
	CodeInvalidTimeWindowValue = "INVALID_TIME_WINDOW_VALUE"
	CodeInvalidTimeWindowType  = "INVALID_TIME_WINDOW_TYPE"

	// Authentication — surfaced immediately, never retried.
	CodeAuthRequired     = "AUTHENTICATION_REQUIRED"
	CodeAuthInvalidToken = "AUTHENTICATION_INVALID_TOKEN"
	CodeAuthTokenExpired = "AUTHENTICATION_TOKEN_EXPIRED"

	// Selection — terminal for the request.
	CodeProviderNotFound  = "PROVIDER_NOT_FOUND"
	CodeNoModelsAvailable = "PROVIDER_NO_MODELS_AVAILABLE"
	CodeModelStateError   = "MODEL_STATE_ERROR"

	// Provider, retryable/fallback — the only codes that update model state
	// and trigger fallback selection.
	CodeProviderRateLimit         = "PROVIDER_RATE_LIMIT"
	CodeProviderRequestTimeout    = "PROVIDER_REQUEST_TIMEOUT"
	CodeProviderStreamTimeout     = "PROVIDER_REQUEST_STREAM_TIMEOUT"
	CodeProviderResponseError     = "PROVIDER_RESPONSE_ERROR"
	CodeProviderResponseNoContent = "PROVIDER_RESPONSE_NO_CONTENT"
	CodeProviderExceededQuota     = "PROVIDER_EXCEEDED_QUOTA"

	// Storage.
	CodeStorageGetError       = "STORAGE_GET_ERROR"
	CodeStorageSetError       = "STORAGE_SET_ERROR"
	CodeStorageListPushError  = "STORAGE_LIST_PUSH_ERROR"
	CodeStorageListRangeError = "STORAGE_LIST_RANGE_ERROR"
	CodeHistoryGetError       = "HISTORY_GET_ERROR"
)

// RestoreClass names the per-reason restore-delay bucket a provider error
// belongs to. The registry uses it to look up the configured restore duration.
type RestoreClass string

const (
	RestoreNone          RestoreClass = ""
	RestoreRateLimit     RestoreClass = "rateLimit"
	RestoreTimeout       RestoreClass = "timeout"
	RestoreCommunication RestoreClass = "providerCommunicationError"
	RestoreExceeded      RestoreClass = "providerExceededError"
)

// Error is the structured gateway error. Code is stable; Message is free text.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// WaitSeconds is set on PROVIDER_RATE_LIMIT: whole seconds until the
	// current window rolls over.
	WaitSeconds int64 `json:"waitSeconds,omitempty"`

	cause error
}

// New creates an Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that records cause for errors.Is / errors.As chains.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the code onto the status the HTTP binding should answer with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeOptionsError, CodeInvalidTimeWindowValue, CodeInvalidTimeWindowType,
		CodeProviderNotFound:
		return fasthttp.StatusBadRequest
	case CodeAuthRequired, CodeAuthInvalidToken, CodeAuthTokenExpired:
		return fasthttp.StatusUnauthorized
	default:
		return fasthttp.StatusInternalServerError
	}
}

// CodeOf returns the taxonomy code carried by err, or "" when err is not an
// *Error (directly or wrapped).
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether code belongs to the provider retryable/fallback
// category: the engine marks the model errored and moves to the next candidate.
func Retryable(code string) bool {
	switch code {
	case CodeProviderRateLimit,
		CodeProviderRequestTimeout,
		CodeProviderStreamTimeout,
		CodeProviderResponseError,
		CodeProviderResponseNoContent,
		CodeProviderExceededQuota:
		return true
	}
	return false
}

// RestoreClassOf maps a provider error code to its restore-delay class.
// Non-provider codes map to RestoreNone.
func RestoreClassOf(code string) RestoreClass {
	switch code {
	case CodeProviderRateLimit:
		return RestoreRateLimit
	case CodeProviderRequestTimeout, CodeProviderStreamTimeout:
		return RestoreTimeout
	case CodeProviderResponseError, CodeProviderResponseNoContent:
		return RestoreCommunication
	case CodeProviderExceededQuota:
		return RestoreExceeded
	}
	return RestoreNone
}

type envelope struct {
	Error *Error `json:"error"`
}

// Write writes err as a JSON envelope on the fasthttp response, using the
// taxonomy status for *Error values and 500 for anything else.
func Write(ctx *fasthttp.RequestCtx, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeModelStateError, Message: err.Error()}
	}

	ctx.SetStatusCode(e.HTTPStatus())
	ctx.SetContentType("application/json")
	if e.Code == CodeProviderRateLimit && e.WaitSeconds > 0 {
		ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", e.WaitSeconds))
	}
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteCode is a convenience for handlers that fail before an *Error exists.
func WriteCode(ctx *fasthttp.RequestCtx, code, message string) {
	Write(ctx, New(code, message))
}
