package aierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestCodeOfWrappedChain(t *testing.T) {
	base := New(CodeProviderRateLimit, "budget exhausted")
	wrapped := fmt.Errorf("engine: %w", base)

	if code := CodeOf(wrapped); code != CodeProviderRateLimit {
		t.Fatalf("CodeOf = %q, want %q", code, CodeProviderRateLimit)
	}
	if code := CodeOf(errors.New("plain")); code != "" {
		t.Fatalf("CodeOf(plain) = %q, want empty", code)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeProviderResponseError, "upstream", cause)

	if !errors.Is(err, cause) {
		t.Fatal("wrapped error should match its cause via errors.Is")
	}
}

func TestRetryableCodes(t *testing.T) {
	retryable := []string{
		CodeProviderRateLimit,
		CodeProviderRequestTimeout,
		CodeProviderStreamTimeout,
		CodeProviderResponseError,
		CodeProviderResponseNoContent,
		CodeProviderExceededQuota,
	}
	for _, c := range retryable {
		if !Retryable(c) {
			t.Errorf("Retryable(%q) = false, want true", c)
		}
	}

	terminal := []string{
		CodeOptionsError,
		CodeAuthRequired,
		CodeProviderNotFound,
		CodeNoModelsAvailable,
		CodeModelStateError,
		CodeStorageGetError,
		CodeHistoryGetError,
	}
	for _, c := range terminal {
		if Retryable(c) {
			t.Errorf("Retryable(%q) = true, want false", c)
		}
	}
}

func TestRestoreClassMapping(t *testing.T) {
	cases := map[string]RestoreClass{
		CodeProviderRateLimit:         RestoreRateLimit,
		CodeProviderRequestTimeout:    RestoreTimeout,
		CodeProviderStreamTimeout:     RestoreTimeout,
		CodeProviderResponseError:     RestoreCommunication,
		CodeProviderResponseNoContent: RestoreCommunication,
		CodeProviderExceededQuota:     RestoreExceeded,
		CodeOptionsError:              RestoreNone,
	}
	for code, want := range cases {
		if got := RestoreClassOf(code); got != want {
			t.Errorf("RestoreClassOf(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[string]int{
		CodeOptionsError:          fasthttp.StatusBadRequest,
		CodeInvalidTimeWindowValue: fasthttp.StatusBadRequest,
		CodeProviderNotFound:      fasthttp.StatusBadRequest,
		CodeAuthRequired:          fasthttp.StatusUnauthorized,
		CodeAuthTokenExpired:      fasthttp.StatusUnauthorized,
		CodeNoModelsAvailable:     fasthttp.StatusInternalServerError,
		CodeStorageGetError:       fasthttp.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := New(code, "x").HTTPStatus(); got != want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", code, got, want)
		}
	}
}

func TestWriteEnvelope(t *testing.T) {
	var ctx fasthttp.RequestCtx
	Write(&ctx, New(CodeNoModelsAvailable, "all models down"))

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}

	var env struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("body is not a JSON envelope: %v", err)
	}
	if env.Error == nil || env.Error.Code != CodeNoModelsAvailable {
		t.Fatalf("envelope = %+v, want code %s", env.Error, CodeNoModelsAvailable)
	}
}

func TestWriteRateLimitSetsRetryAfter(t *testing.T) {
	e := New(CodeProviderRateLimit, "budget exhausted")
	e.WaitSeconds = 17

	var ctx fasthttp.RequestCtx
	Write(&ctx, e)

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "17" {
		t.Fatalf("Retry-After = %q, want \"17\"", got)
	}
}
