package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := E(KindConflict, "signup", "User Already Exists")
	wrapped := fmt.Errorf("handler: %w", base)

	if got := KindOf(wrapped); got != KindConflict {
		t.Fatalf("KindOf = %v, want %v", got, KindConflict)
	}
	if !Is(wrapped, KindConflict) {
		t.Error("Is(wrapped, KindConflict) = false")
	}
	if KindOf(errors.New("plain")) != KindUnexpected {
		t.Error("plain errors should be unexpected")
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(KindTransient, "op", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Wrap(KindTransient, "fetch", errors.New("reset"))) {
		t.Error("transient should be retryable")
	}
	if Retryable(E(KindAuth, "fetch", "expired")) {
		t.Error("auth should not be retryable")
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   Kind
	}{
		{http.StatusBadRequest, "", KindValidation},
		{http.StatusBadRequest, "conflict", KindConflict},
		{http.StatusUnauthorized, "", KindAuth},
		{http.StatusForbidden, "", KindAuth},
		{http.StatusNotFound, "", KindNotFound},
		{http.StatusConflict, "", KindConflict},
		{http.StatusServiceUnavailable, "", KindTransient},
		{http.StatusTooManyRequests, "", KindTransient},
		{http.StatusInternalServerError, "", KindUnexpected},
		{http.StatusInternalServerError, "bogus", KindUnexpected},
	}

	for _, tt := range tests {
		if got := FromStatus(tt.status, tt.code); got != tt.want {
			t.Errorf("FromStatus(%d, %q) = %v, want %v", tt.status, tt.code, got, tt.want)
		}
	}
}

func TestHTTPStatusRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindValidation, KindAuth, KindNotFound, KindConflict, KindTransient, KindUnexpected} {
		if got := FromStatus(HTTPStatus(k), k.String()); got != k {
			t.Errorf("kind %v did not survive status round trip, got %v", k, got)
		}
	}
}

func TestUserMessage(t *testing.T) {
	if got := UserMessage(E(KindValidation, "signup", "All fields are required.")); got != "All fields are required." {
		t.Errorf("validation message = %q", got)
	}
	if got := UserMessage(E(KindUnexpected, "x", "db exploded")); got == "db exploded" {
		t.Error("unexpected errors must not leak their message")
	}
}
