package fabriterr

import (
	"fmt"
	"testing"
)

func TestErrorMessageFormatting(t *testing.T) {
	err := New(NotFound, "agent %q not registered", "mercury")
	want := `not-found: agent "mercury" not registered`
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestErrorMessageWithoutMessageFallsBackToKind(t *testing.T) {
	err := &Error{Kind: StateViolation}
	if err.Error() != "state-violation" {
		t.Fatalf("expected bare kind string, got %q", err.Error())
	}
}

func TestTierViolationErrCarriesTiers(t *testing.T) {
	err := TierViolationErr("L3", "L0", "%s -> %s denied", "L3", "L0")
	if err.SourceTier != "L3" || err.TargetTier != "L0" {
		t.Fatalf("expected tiers to be recorded, got src=%q tgt=%q", err.SourceTier, err.TargetTier)
	}
	if err.Kind != TierViolation {
		t.Fatalf("expected Kind TierViolation, got %q", err.Kind)
	}
}

func TestIsMatchesDirectKind(t *testing.T) {
	err := New(SchemaMismatch, "bad payload")
	if !Is(err, SchemaMismatch) {
		t.Fatal("expected Is to match the direct kind")
	}
	if Is(err, NotFound) {
		t.Fatal("expected Is to reject a mismatched kind")
	}
}

func TestIsUnwrapsWrappedErrors(t *testing.T) {
	inner := New(DeliveryFailed, "retries exhausted")
	wrapped := fmt.Errorf("channel send: %w", inner)
	if !Is(wrapped, DeliveryFailed) {
		t.Fatal("expected Is to see through fmt.Errorf %w wrapping")
	}
}

func TestIsReturnsFalseForUnrelatedError(t *testing.T) {
	if Is(fmt.Errorf("plain error"), NotFound) {
		t.Fatal("expected Is to return false for an unrelated error")
	}
}
