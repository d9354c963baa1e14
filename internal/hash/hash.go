package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// EmptyRoot is the digest of a store with no entries.
var EmptyRoot = CalculateString("empty")

func Calculate(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:]), nil
}

func CalculateString(data string) string {
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// LeafHash digests one entry as sha256("{key}:{canonical(value)}").
func LeafHash(key string, value []byte) (string, error) {
	canonical, err := CanonicalJSON(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode value for %q: %w", key, err)
	}
	return CalculateString(key + ":" + string(canonical)), nil
}

// StateRoot computes the flat authenticated digest of entries: leaf hashes in
// key order, concatenated and hashed once more.
func StateRoot[V ~[]byte](entries map[string]V) (string, error) {
	if len(entries) == 0 {
		return EmptyRoot, nil
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([]string, len(keys))
	for i, k := range keys {
		leaf, err := LeafHash(k, entries[k])
		if err != nil {
			return "", err
		}
		leaves[i] = leaf
	}
	return RootFromLeaves(leaves), nil
}

// RootFromLeaves hashes leaf digests that are already in key order.
func RootFromLeaves(leaves []string) string {
	if len(leaves) == 0 {
		return EmptyRoot
	}

	h := sha256.New()
	for _, leaf := range leaves {
		h.Write([]byte(leaf))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type HashChain struct {
	previousHash string
}

func NewHashChain(initialHash string) *HashChain {
	return &HashChain{
		previousHash: initialHash,
	}
}

func (hc *HashChain) Add(data interface{}) (string, error) {
	dataHash, err := Calculate(data)
	if err != nil {
		return "", err
	}

	combined := hc.previousHash + dataHash
	newHash := CalculateString(combined)

	hc.previousHash = newHash

	return newHash, nil
}

func (hc *HashChain) GetPreviousHash() string {
	return hc.previousHash
}

func (hc *HashChain) SetPreviousHash(hash string) {
	hc.previousHash = hash
}
