package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := fmt.Errorf("advance: %w", Wrap(CodeChainFailure, cause, "mine blocks", WithMetadata("iteration", "3")))

	if CodeOf(err) != CodeChainFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeChainFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if got := MetadataOf(err)["iteration"]; got != "3" {
		t.Fatalf("unexpected metadata: %q", got)
	}
	if !ShouldAlert(err) || SeverityOf(err) != SeverityCritical {
		t.Fatalf("chain failures should alert as critical")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.ShouldAlert() {
		t.Fatalf("custom code should not alert by default")
	}
	if New(code, "", WithAlert(true)).ShouldAlert() != true {
		t.Fatalf("option should override alert")
	}
}

func TestUnknownFallback(t *testing.T) {
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
	if AttributesOf("NOPE").Severity != SeverityCritical {
		t.Fatalf("unregistered code should fall back to UNKNOWN attributes")
	}
	var nilErr *Error
	if nilErr.Code() != CodeUnknown || nilErr.Error() != "" {
		t.Fatalf("nil error helpers should be safe")
	}
}
