// Package docstore implements the temp-file-plus-atomic-rename pattern
// spec.md §6 requires for the coordinator's session document and reuses for
// the peer's process-tracker document and token cache: callers never observe
// a half-written file, because the write lands on a unique sibling path and
// only becomes visible via rename(2).
package docstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Save atomically writes v as indented JSON to path.
func Save(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("docstore: mkdir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("docstore: marshal: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("docstore: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("docstore: rename: %w", err)
	}
	return nil
}

// Load reads and unmarshals the document at path into v. If the file does
// not exist, Load returns os.ErrNotExist so callers can distinguish "never
// written" from a decode failure.
func Load(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
