package hash

import (
	"testing"
)

func TestCalculate(t *testing.T) {
	data := map[string]interface{}{
		"id":   1,
		"name": "test",
	}

	hash1, err := Calculate(data)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	hash2, err := Calculate(data)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	if hash1 != hash2 {
		t.Error("Same data should produce same hash")
	}

	if len(hash1) != 64 {
		t.Errorf("Expected hash length 64, got %d", len(hash1))
	}
}

func TestCalculateString(t *testing.T) {
	str := "test string"

	hash1 := CalculateString(str)
	hash2 := CalculateString(str)

	if hash1 != hash2 {
		t.Error("Same string should produce same hash")
	}

	if len(hash1) != 64 {
		t.Errorf("Expected hash length 64, got %d", len(hash1))
	}
}

func TestEmptyRoot(t *testing.T) {
	want := "2e1cfa82b035c26cbbbdae632cea070514eb8b773f616aaeaf668e2f0be8f10d"
	if EmptyRoot != want {
		t.Errorf("EmptyRoot = %s, want %s", EmptyRoot, want)
	}

	root, err := StateRoot(map[string][]byte{})
	if err != nil {
		t.Fatalf("StateRoot failed: %v", err)
	}
	if root != want {
		t.Errorf("StateRoot(empty) = %s, want %s", root, want)
	}
}

func TestStateRootKnownVectors(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string][]byte
		want    string
	}{
		{
			name:    "single entry",
			entries: map[string][]byte{"a": []byte("1")},
			want:    "a055fa646e632861d21b7c2decacadc233a48543e7376376258fb5e2e09a598d",
		},
		{
			name:    "two entries",
			entries: map[string][]byte{"b": []byte("2"), "a": []byte("1")},
			want:    "6053ae7b7b464e4dcae63fff62d3c180e3b6f2707dd4b59baa648a6dccae1b27",
		},
		{
			name:    "three entries",
			entries: map[string][]byte{"c": []byte("3"), "a": []byte("1"), "b": []byte("2")},
			want:    "6d6c5ecec2befd2db9882123f8ad0fd1b383a9356ef52ab21bff31ee99e1f6bc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StateRoot(tt.entries)
			if err != nil {
				t.Fatalf("StateRoot failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("StateRoot() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStateRootIgnoresValueFormatting(t *testing.T) {
	compact, err := StateRoot(map[string][]byte{"k": []byte(`{"b":1,"a":[1,2]}`)})
	if err != nil {
		t.Fatalf("StateRoot failed: %v", err)
	}
	spaced, err := StateRoot(map[string][]byte{"k": []byte(`{ "a" : [1, 2], "b" : 1 }`)})
	if err != nil {
		t.Fatalf("StateRoot failed: %v", err)
	}
	if compact != spaced {
		t.Error("Equivalent JSON documents should produce the same root")
	}
}

func TestStateRootInvalidValue(t *testing.T) {
	if _, err := StateRoot(map[string][]byte{"k": []byte("{not json")}); err == nil {
		t.Error("Expected error for invalid JSON value")
	}
}

func TestRootFromLeavesMatchesStateRoot(t *testing.T) {
	entries := map[string][]byte{"x": []byte(`"one"`), "y": []byte("true")}

	leafX, err := LeafHash("x", entries["x"])
	if err != nil {
		t.Fatal(err)
	}
	leafY, err := LeafHash("y", entries["y"])
	if err != nil {
		t.Fatal(err)
	}

	root, err := StateRoot(entries)
	if err != nil {
		t.Fatal(err)
	}
	if got := RootFromLeaves([]string{leafX, leafY}); got != root {
		t.Errorf("RootFromLeaves() = %s, want %s", got, root)
	}
	if RootFromLeaves(nil) != EmptyRoot {
		t.Error("RootFromLeaves(nil) should be EmptyRoot")
	}
}

func TestHashChain(t *testing.T) {
	hc := NewHashChain("genesis")

	data1 := "first block"
	hash1, err := hc.Add(data1)
	if err != nil {
		t.Fatalf("Failed to add to chain: %v", err)
	}

	if hash1 == "" {
		t.Error("Hash should not be empty")
	}

	data2 := "second block"
	hash2, err := hc.Add(data2)
	if err != nil {
		t.Fatalf("Failed to add to chain: %v", err)
	}

	if hash1 == hash2 {
		t.Error("Different blocks should produce different hashes")
	}

	if hc.GetPreviousHash() != hash2 {
		t.Error("Previous hash should be updated to latest hash")
	}
}

func TestHashChainSetPreviousHash(t *testing.T) {
	hc := NewHashChain("initial")

	newHash := "new_hash_value"
	hc.SetPreviousHash(newHash)

	if hc.GetPreviousHash() != newHash {
		t.Errorf("Expected previous hash %s, got %s", newHash, hc.GetPreviousHash())
	}
}
