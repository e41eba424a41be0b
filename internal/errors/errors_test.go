package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorsIsComparesCodes(t *testing.T) {
	sentinel := New(CodeNotFound, "")
	wrapped := fmt.Errorf("outer: %w", Wrap(CodeNotFound, stdErrors.New("boom"), "document missing"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel by code")
	}
	if stdErrors.Is(wrapped, New(CodeConflict, "")) {
		t.Fatalf("did not expect match against a different code")
	}
	if CodeOf(wrapped) != CodeNotFound {
		t.Fatalf("unexpected code: %s", CodeOf(wrapped))
	}
}

func TestAttributesFollowRegistry(t *testing.T) {
	err := New(CodeStorageFailure, "")
	if err.Error() != "[STORAGE_FAILURE] storage failure" {
		t.Fatalf("expected default message, got %q", err.Error())
	}
	if !RetryableError(err) || !ShouldAlert(err) || SeverityOf(err) != SeverityCritical {
		t.Fatalf("storage failures should be retryable, alerting and critical")
	}

	wrapped := fmt.Errorf("replace: %w", New(CodeInvalidArgument, "bad"))
	if RetryableError(wrapped) || ShouldAlert(wrapped) {
		t.Fatalf("invalid arguments should neither retry nor alert")
	}

	plain := stdErrors.New("plain")
	if RetryableError(plain) || ShouldAlert(plain) {
		t.Fatalf("plain errors should neither retry nor alert")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatalf("plain errors should fall back to UNKNOWN severity")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Error() != "[TEST_CUSTOM] custom" || !RetryableError(err) || SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected attributes for registered code: %+v", AttributesOf(code))
	}
	if AttributesOf("NEVER_REGISTERED").Message != "unknown error" {
		t.Fatalf("unregistered codes should use UNKNOWN attributes")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeInvalidArgument, "bad", WithMetadata("field", "run_id"))
	meta := MetadataOf(fmt.Errorf("ctx: %w", err))
	if meta["field"] != "run_id" {
		t.Fatalf("unexpected metadata: %v", meta)
	}
	meta["field"] = "mutated"
	if err.Metadata()["field"] != "run_id" {
		t.Fatalf("metadata should be returned as a copy")
	}
	if err.Error() != "[INVALID_ARGUMENT] bad" {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
}
