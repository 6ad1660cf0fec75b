package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestRecoveryFor(t *testing.T) {
	cases := []struct {
		err  error
		want Recovery
	}{
		{fmt.Errorf("submit: %w", ErrStale), Retry},
		{fmt.Errorf("rpc: %w", ErrBackendUnavailable), Retry},
		{ErrAuthorizationDenied, Reauthorize},
		{fmt.Errorf("decrypt: %w", ErrExpired), Reauthorize},
		{ErrNotConnected, Reconnect},
		{ErrVerificationFailed, Fatal},
		{errors.New("boom"), Fatal},
		{nil, Fatal},
	}
	for _, c := range cases {
		if got := RecoveryFor(c.err); got != c.want {
			t.Errorf("RecoveryFor(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, sentinel := range []error{
		ErrNotFound, ErrOutOfRange, ErrVerificationFailed, ErrDuplicate,
		ErrUnauthorized, ErrExpired, ErrBadRequest, ErrBusy, ErrBackendUnavailable,
	} {
		wrapped := fmt.Errorf("ctx: %w", sentinel)
		if got := FromStatus(Status(wrapped)); !errors.Is(got, sentinel) {
			t.Errorf("round trip of %v gave %v", sentinel, got)
		}
	}
	if Status(errors.New("unknown")) != http.StatusServiceUnavailable {
		t.Error("unknown errors must map to 503")
	}
}
