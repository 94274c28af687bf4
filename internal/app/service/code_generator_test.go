package service

import (
	"bytes"
	"strings"
	"testing"
)

func TestCodeGenerator_Generate(t *testing.T) {
	g := NewCodeGenerator(7, 1024, 0.01)

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		code, err := g.Generate()
		if err != nil {
			t.Fatalf("Generate returned error: %v", err)
		}
		if len(code) != 7 {
			t.Fatalf("expected 7 characters, got %q", code)
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("unexpected symbol %q in %q", r, code)
			}
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 990 {
		t.Fatalf("expected codes to be nearly all distinct, got %d unique of 1000", len(seen))
	}
}

func TestCodeGenerator_LengthBounds(t *testing.T) {
	if got := NewCodeGenerator(2, 0, 0).length; got != minGeneratedLength {
		t.Fatalf("expected length clamped to %d, got %d", minGeneratedLength, got)
	}
	if got := NewCodeGenerator(64, 0, 0).length; got != maxCodeLength {
		t.Fatalf("expected length clamped to %d, got %d", maxCodeLength, got)
	}
}

func TestCodeGenerator_RejectsBiasedBytes(t *testing.T) {
	g := NewCodeGenerator(6, 16, 0.01)
	// 255 and 250 are above the rejection limit and must be skipped.
	g.random = bytes.NewReader([]byte{255, 250, 0, 1, 2, 3, 4, 5, 0, 0, 0, 0})

	code, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if code != "ABCDEF" {
		t.Fatalf("expected ABCDEF, got %q", code)
	}
}

func TestCodeGenerator_SkipsKnownCodes(t *testing.T) {
	g := NewCodeGenerator(6, 16, 0.01)
	g.Seed([]string{"AAAAAA"})
	// First draw yields AAAAAA, which the filter knows; second yields BBBBBB.
	g.random = bytes.NewReader(append(bytes.Repeat([]byte{0}, 12), bytes.Repeat([]byte{1}, 12)...))

	code, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if code != "BBBBBB" {
		t.Fatalf("expected the known code to be skipped, got %q", code)
	}
}

func TestCodeGenerator_RandomFailure(t *testing.T) {
	g := NewCodeGenerator(6, 16, 0.01)
	g.random = bytes.NewReader(nil)
	if _, err := g.Generate(); err == nil {
		t.Fatal("expected error when randomness runs out")
	}
}
