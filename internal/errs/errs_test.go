package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndKind(t *testing.T) {
	err := Wrap(errors.New("boom"), KindSegmentRecognition)
	if KindOf(err) != KindSegmentRecognition {
		t.Fatalf("expected kind %s, got %s", KindSegmentRecognition, KindOf(err))
	}
	if !Is(err, KindSegmentRecognition) {
		t.Fatal("expected Is true")
	}
	if Wrap(nil, KindUnknown) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestWrapPreservesExistingKind(t *testing.T) {
	first := Wrap(errors.New("boom"), KindDependencyUnavailable)
	second := Wrap(fmt.Errorf("outer: %w", first), KindSessionProtocol)
	if KindOf(second) != KindDependencyUnavailable {
		t.Fatalf("expected kind preserved, got %s", KindOf(second))
	}
}

func TestForSegment(t *testing.T) {
	base := errors.New("deadline")
	err := ForSegment(base, KindSegmentRecognition, 7)
	if SegmentOf(err) != 7 {
		t.Errorf("expected segment 7, got %d", SegmentOf(err))
	}
	if !errors.Is(err, base) {
		t.Error("expected errors.Is to reach the cause")
	}

	retagged := ForSegment(Wrap(base, KindResourceExhausted), KindSegmentRecognition, 9)
	if KindOf(retagged) != KindResourceExhausted {
		t.Errorf("expected existing kind kept, got %s", KindOf(retagged))
	}
	if SegmentOf(retagged) != 9 {
		t.Errorf("expected segment 9, got %d", SegmentOf(retagged))
	}
}

func TestKindOf_Plain(t *testing.T) {
	if KindOf(errors.New("x")) != KindUnknown {
		t.Error("expected unknown kind for plain error")
	}
	if KindOf(nil) != KindUnknown {
		t.Error("expected unknown kind for nil")
	}
	if New(KindChannelDisconnect, "gone").Error() != "gone" {
		t.Error("unexpected message")
	}
}
