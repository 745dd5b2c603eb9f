package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorType
	}{
		{"unauthorized", 401, "", ErrorTypeAuth},
		{"forbidden", 403, "access denied", ErrorTypeAuth},
		{"forbidden quota", 403, `{"error":"monthly quota exceeded"}`, ErrorTypeQuotaExceeded},
		{"forbidden billing", 403, "billing account suspended", ErrorTypeQuotaExceeded},
		{"payment required", 402, "", ErrorTypeQuotaExceeded},
		{"not found", 404, "", ErrorTypeNotFound},
		{"rate limited", 429, "", ErrorTypeRateLimited},
		{"request timeout", 408, "", ErrorTypeTimeout},
		{"server error", 500, "", ErrorTypeServer},
		{"bad gateway", 502, "", ErrorTypeServer},
		{"unprocessable", 422, "", ErrorTypeValidation},
		{"bad request", 400, "", ErrorTypeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyStatus(tt.status, tt.body); got != tt.want {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorType{ErrorTypeRateLimited, ErrorTypeServer, ErrorTypeTimeout}
	fatal := []ErrorType{ErrorTypeValidation, ErrorTypeTemplate, ErrorTypeAuth, ErrorTypeNotFound, ErrorTypeQuotaExceeded, ErrorTypeUnknown}

	for _, typ := range retryable {
		if !(&Error{Type: typ}).IsRetryable() {
			t.Errorf("%s should be retryable", typ)
		}
	}
	for _, typ := range fatal {
		if (&Error{Type: typ}).IsRetryable() {
			t.Errorf("%s should not be retryable", typ)
		}
	}
}

func TestErrorFromStatusCustomMessage(t *testing.T) {
	overrides := map[int]string{402: "Charge cannot be refunded; check the account balance"}

	err := errorFromStatus("create_refund", 402, "Payment Required", "", "req-9", overrides)
	if err.Type != ErrorTypeQuotaExceeded {
		t.Errorf("Type = %q", err.Type)
	}
	if err.Message != overrides[402] {
		t.Errorf("Message = %q, want override", err.Message)
	}
	if err.RequestID != "req-9" {
		t.Errorf("RequestID = %q", err.RequestID)
	}

	err = errorFromStatus("create_refund", 500, "Internal Server Error", "", "", overrides)
	if !strings.Contains(err.Message, "500") {
		t.Errorf("uncustomized status should keep generic text, got %q", err.Message)
	}
}

func TestClassifyTransport(t *testing.T) {
	err := classifyTransport("op", context.DeadlineExceeded)
	if err.Type != ErrorTypeTimeout {
		t.Errorf("deadline: Type = %q", err.Type)
	}

	err = classifyTransport("op", context.Canceled)
	if err.Type != ErrorTypeTimeout {
		t.Errorf("cancel: Type = %q", err.Type)
	}

	err = classifyTransport("op", errors.New("connection reset by peer"))
	if err.Type != ErrorTypeUnknown {
		t.Errorf("generic: Type = %q", err.Type)
	}
	if !errors.Is(err, err.Cause) {
		t.Error("cause must unwrap")
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{
		Type:       ErrorTypeValidation,
		Operation:  "create_record",
		Message:    "2 parameter(s) failed validation",
		Violations: []Violation{{Parameter: "email", Rule: "regex", Message: "bad format"}},
	}
	msg := err.Error()
	for _, want := range []string{"validation_error", "create_record", "email", "regex"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}
