package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayedNonceIsPolicyViolation(t *testing.T) {
	err := New(CodeReplayedNonce, "nonce 1 already used", WithDetails("nonce 1 already used"))
	wrapped := fmt.Errorf("execute: %w", err)

	assert.True(t, stdErrors.Is(wrapped, New(CodePolicyViolation, "")))
	assert.True(t, stdErrors.Is(wrapped, New(CodeReplayedNonce, "")))
	assert.False(t, stdErrors.Is(New(CodePolicyViolation, ""), New(CodeReplayedNonce, "")))
	assert.True(t, HasCode(wrapped, CodePolicyViolation))
	assert.Equal(t, []string{"nonce 1 already used"}, DetailsOf(wrapped))
	assert.True(t, ShouldAlert(wrapped))
}

func TestAttributesDefaults(t *testing.T) {
	err := Wrap(CodeExecutionFailed, stdErrors.New("reverted"), "", WithMetadata("landed", "true"))
	require.Equal(t, "execution failed", err.Message())
	assert.Equal(t, "true", MetadataOf(err)["landed"])
	assert.False(t, RetryableError(err))
	assert.Equal(t, SeverityCritical, SeverityOf(New(CodeInsufficientFunds, "")))
	assert.True(t, RetryableError(New(CodeInvalidSignature, "")))
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
}

func TestIsSubtypeStopsOnCycle(t *testing.T) {
	Register("CYCLE_A", Attributes{Parent: "CYCLE_B"})
	Register("CYCLE_B", Attributes{Parent: "CYCLE_A"})
	assert.False(t, IsSubtype("CYCLE_A", CodePolicyViolation))
}

func TestOptionsOverrideCodeDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "disk full", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo))
	assert.False(t, err.Retryable())
	assert.False(t, err.ShouldAlert())
	assert.Equal(t, SeverityInfo, err.Severity())

	plain := New(CodeStorageFailure, "")
	assert.True(t, plain.Retryable())
	assert.Equal(t, SeverityCritical, plain.Severity())
	assert.Equal(t, "[STORAGE_FAILURE] storage failure", plain.Error())

	tagged := New(CodeConflict, "x", WithMetadata("k", "v"))
	tagged.Metadata()["k"] = "changed"
	assert.Equal(t, "v", MetadataOf(tagged)["k"], "metadata is returned as a copy")
}

func TestNilErrorIsSafe(t *testing.T) {
	var e *Error
	assert.Equal(t, CodeUnknown, e.Code())
	assert.Empty(t, e.Error())
	assert.False(t, e.Retryable())
	assert.False(t, e.ShouldAlert())
	assert.Equal(t, SeverityInfo, e.Severity())
	assert.Nil(t, e.Metadata())
	assert.Equal(t, AttributesOf(CodeUnknown), AttributesOf("NEVER_REGISTERED"))
}
