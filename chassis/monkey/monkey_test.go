package monkey

import (
	"errors"
	"testing"
)

func TestRandomizeErrorKeepsExisting(t *testing.T) {
	orig := errors.New("boom")
	m := New(1, 1)
	if got := m.RandomizeError(orig); got != orig {
		t.Fatalf("expected original error, got %v", got)
	}
}

func TestRandomizeErrorChance(t *testing.T) {
	var nilMonkey *Monkey
	if err := nilMonkey.RandomizeError(nil); err != nil {
		t.Fatalf("nil monkey injected %v", err)
	}
	if err := New(0, 1).RandomizeError(nil); err != nil {
		t.Fatalf("zero chance injected %v", err)
	}
	if err := New(1, 1).RandomizeError(nil); !errors.Is(err, ErrMonkey) {
		t.Fatalf("full chance should always inject, got %v", err)
	}
}
