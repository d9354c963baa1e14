package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// indexEntry mirrors one value of snapshots_index.json.
type indexEntry struct {
	Root      string  `json:"merkle_root"`
	Timestamp float64 `json:"timestamp"`
	Path      string  `json:"path"`
}

func main() {
	if len(os.Args) < 3 || len(os.Args) > 4 {
		fmt.Fprintf(os.Stderr, "Usage: %s <state-path> <key> [json-value]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool rewrites <key> inside the newest snapshot without updating its merkle_root,\n")
		fmt.Fprintf(os.Stderr, "and flips the hash of the newest ledger checkpoint if ledger.db exists\n")
		os.Exit(1)
	}

	statePath := os.Args[1]
	key := os.Args[2]
	value := json.RawMessage(`"tampered"`)
	if len(os.Args) == 4 {
		if !json.Valid([]byte(os.Args[3])) {
			fmt.Fprintf(os.Stderr, "Invalid JSON value: %s\n", os.Args[3])
			os.Exit(1)
		}
		value = json.RawMessage(os.Args[3])
	}

	if err := tamperSnapshot(statePath, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ledgerPath := filepath.Join(statePath, "ledger.db")
	if _, err := os.Stat(ledgerPath); err == nil {
		if err := tamperLedger(ledgerPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("Snapshot tampering completed")
}

func tamperSnapshot(statePath, key string, value json.RawMessage) error {
	dir := filepath.Join(statePath, "snapshots")
	data, err := os.ReadFile(filepath.Join(dir, "snapshots_index.json"))
	if err != nil {
		return fmt.Errorf("failed to read snapshot index: %w", err)
	}

	var index map[string]indexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("failed to parse snapshot index: %w", err)
	}
	if len(index) == 0 {
		return fmt.Errorf("no snapshots found in %s", dir)
	}

	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return index[ids[i]].Timestamp > index[ids[j]].Timestamp })
	target := ids[0]
	path := filepath.Join(dir, filepath.Base(index[target].Path))

	fmt.Printf("Opening snapshot: %s\n", path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	var stateData map[string]json.RawMessage
	if err := json.Unmarshal(doc["state_data"], &stateData); err != nil {
		return fmt.Errorf("failed to parse state_data: %w", err)
	}

	if old, ok := stateData[key]; ok {
		fmt.Printf("  Original %s: %s\n", key, old)
	} else {
		fmt.Printf("  Injecting new key %s\n", key)
	}
	stateData[key] = value

	if doc["state_data"], err = json.Marshal(stateData); err != nil {
		return fmt.Errorf("failed to marshal state_data: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	fmt.Printf("✓ Successfully corrupted snapshot %s (merkle_root %s left unchanged)\n", target, index[target].Root)
	return nil
}

func tamperLedger(path string) error {
	fmt.Printf("Opening ledger: %s\n", path)
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer db.Close()

	bucketName := []byte("checkpoints")

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", bucketName)
		}

		k, v := bucket.Cursor().Last()
		if k == nil {
			fmt.Println("  Ledger is empty, nothing to corrupt")
			return nil
		}

		var cp map[string]any
		if err := json.Unmarshal(v, &cp); err != nil {
			return fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		hash, _ := cp["hash"].(string)
		if hash == "" {
			return fmt.Errorf("checkpoint has no hash")
		}
		if hash[0] == 'a' {
			cp["hash"] = "b" + hash[1:]
		} else {
			cp["hash"] = "a" + hash[1:]
		}

		corrupted, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("failed to marshal corrupted checkpoint: %w", err)
		}
		key := append([]byte(nil), k...)
		if err := bucket.Put(key, corrupted); err != nil {
			return fmt.Errorf("failed to save corrupted checkpoint: %w", err)
		}

		fmt.Printf("✓ Successfully corrupted checkpoint %v (kind %v)\n", cp["sequence"], cp["kind"])
		return nil
	})
}
