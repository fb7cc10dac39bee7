package minhash

import "testing"

func TestSignatureDeterministic(t *testing.T) {
	h1 := NewHasher(42, 64)
	h2 := NewHasher(42, 64)

	shingles := []string{"the qui", "qui bro", "bro fox"}
	sig1 := h1.Signature(shingles)
	sig2 := h2.Signature(shingles)

	if len(sig1) != 64 || len(sig2) != 64 {
		t.Fatalf("expected signatures of length 64, got %d and %d", len(sig1), len(sig2))
	}
	for i := range sig1 {
		if sig1[i] != sig2[i] {
			t.Fatalf("signatures diverge at %d: %d vs %d (different workers, same seed, must match)", i, sig1[i], sig2[i])
		}
	}
}

func TestSignatureDifferentSeedsDiverge(t *testing.T) {
	h1 := NewHasher(1, 32)
	h2 := NewHasher(2, 32)

	shingles := []string{"abc", "bcd", "cde"}
	sig1 := h1.Signature(shingles)
	sig2 := h2.Signature(shingles)

	same := 0
	for i := range sig1 {
		if sig1[i] == sig2[i] {
			same++
		}
	}
	if same == len(sig1) {
		t.Fatal("expected signatures from different seeds to differ somewhere")
	}
}

func TestIdenticalShingleSetsMatchFully(t *testing.T) {
	h := NewHasher(7, 64)
	a := []string{"the quick brown", "quick brown fox", "brown fox jumps"}
	b := append([]string{}, a...)

	sigA := h.Signature(a)
	sigB := h.Signature(b)

	if MatchCount(sigA, sigB) != len(sigA) {
		t.Fatalf("expected identical shingle sets to match on every permutation, got %d/%d", MatchCount(sigA, sigB), len(sigA))
	}
	if EstimatedJaccard(sigA, sigB) != 1.0 {
		t.Fatalf("expected estimated jaccard 1.0, got %f", EstimatedJaccard(sigA, sigB))
	}
}

func TestDisjointShingleSetsRarelyMatch(t *testing.T) {
	h := NewHasher(99, 128)
	a := []string{"alpha beta gamma", "beta gamma delta"}
	b := []string{"xyz123 unrelated text", "completely different tokens"}

	sigA := h.Signature(a)
	sigB := h.Signature(b)

	j := EstimatedJaccard(sigA, sigB)
	if j > 0.5 {
		t.Fatalf("expected low estimated jaccard for disjoint shingle sets, got %f", j)
	}
}

func TestEmptyShingleSetIsAllMax(t *testing.T) {
	h := NewHasher(1, 16)
	sig := h.Signature(nil)
	for i, v := range sig {
		if v != ^uint64(0) {
			t.Fatalf("position %d: expected max uint64 for empty shingle set, got %d", i, v)
		}
	}
}

func TestMatchCountBounded(t *testing.T) {
	h := NewHasher(5, 64)
	a := h.Signature([]string{"one two three", "two three four"})
	b := h.Signature([]string{"one two three", "two three five"})

	matches := MatchCount(a, b)
	if matches < 0 || matches > h.NumPerm() {
		t.Fatalf("match count %d out of range [0, %d]", matches, h.NumPerm())
	}
}
