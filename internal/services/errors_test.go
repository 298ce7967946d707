package services_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"dpas/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrStoreWrite, "results", "append", "write record", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrStoreWrite) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"results", "append", "write record", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestDetailsExtractsFields(t *testing.T) {
	err := services.Wrap(services.ErrDecode, "worker", "decode", "unsupported image", errors.New("bad magic"))
	details := services.Details(err)
	if details.Kind != "decode_error" {
		t.Fatalf("unexpected kind %q", details.Kind)
	}
	if details.Component != "worker" || details.Operation != "decode" {
		t.Fatalf("unexpected component/operation %+v", details)
	}
	if details.Cause != "bad magic" {
		t.Fatalf("unexpected cause %q", details.Cause)
	}

	plain := services.Details(errors.New("plain"))
	if plain.Kind != "unknown" || plain.Message != "plain" {
		t.Fatalf("unexpected details for plain error: %+v", plain)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{services.Wrap(services.ErrValidation, "gateway", "parse", "empty", nil), false},
		{services.Wrap(services.ErrDecode, "worker", "decode", "bad", nil), true},
		{services.Wrap(services.ErrCapability, "worker", "detect", "panic", nil), true},
		{errors.New("io"), true},
	}
	for _, tc := range cases {
		if got := services.Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	if got := services.HTTPStatus(services.Wrap(services.ErrValidation, "", "", "", nil)); got != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", got)
	}
	if got := services.HTTPStatus(services.Wrap(services.ErrQueueUnavailable, "", "", "", errors.New("locked"))); got != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", got)
	}
	if got := services.HTTPStatus(errors.New("other")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
}
