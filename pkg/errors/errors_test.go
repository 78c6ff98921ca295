package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should see the cause")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestSessionErrorConstructors(t *testing.T) {
	cause := errors.New("no device")
	cases := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"media access", NewMediaAccessError(cause), ErrCodeMediaAccess, http.StatusServiceUnavailable},
		{"already joined", NewAlreadyJoinedError("s1"), ErrCodeAlreadyJoined, http.StatusConflict},
		{"not joined", NewNotJoinedError(), ErrCodeNotJoined, http.StatusConflict},
		{"signaling delivery", NewSignalingDeliveryError(cause), ErrCodeSignalingDelivery, http.StatusBadGateway},
		{"ice apply", NewIceApplyError(cause), ErrCodeIceApply, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Code != tc.code {
				t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
			}
			if tc.err.HTTPStatus != tc.status {
				t.Errorf("HTTPStatus = %v, want %v", tc.err.HTTPStatus, tc.status)
			}
		})
	}
}

func TestGetAppError_Wrapped(t *testing.T) {
	appErr := NewNotJoinedError()
	wrapped := fmt.Errorf("set volume: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError() = %v, want %v", got, appErr)
	}
	if !IsAppError(wrapped) {
		t.Error("IsAppError should unwrap")
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Error("plain errors have no AppError")
	}
	if GetAppError(nil) != nil {
		t.Error("nil has no AppError")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("publish: %w", NewSignalingDeliveryError(errors.New("timeout")))
	if !HasCode(err, ErrCodeSignalingDelivery) {
		t.Error("expected SIGNALING_DELIVERY in chain")
	}
	if HasCode(err, ErrCodeMediaAccess) {
		t.Error("MEDIA_ACCESS is not in chain")
	}
}
