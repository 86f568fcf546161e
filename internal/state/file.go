package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const documentVersion = 2

type document struct {
	Version   int                     `json:"version"`
	UpdatedAt int64                   `json:"updated_at"`
	Addresses map[string]AddressState `json:"addresses"`
}

// FileBackend keeps the state as one JSON document on local disk.
type FileBackend struct {
	path string
	now  func() time.Time
}

// NewFileBackend creates a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, now: time.Now}
}

// Path returns the state file location.
func (f *FileBackend) Path() string {
	return f.path
}

// Load reads the state file. A missing file yields empty state.
func (f *FileBackend) Load(ctx context.Context) (map[string]AddressState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]AddressState{}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]AddressState{}, nil
	}
	states, err := decodeDocument(data, f.now())
	if err != nil {
		return nil, fmt.Errorf("parse state %s: %w", f.path, err)
	}
	return states, nil
}

// Save rewrites the whole document through a temp file and an atomic rename, so a
// crash mid-write leaves the previous file intact.
func (f *FileBackend) Save(ctx context.Context, states map[string]AddressState, _ []string) error {
	doc := document{
		Version:   documentVersion,
		UpdatedAt: f.now().Unix(),
		Addresses: states,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create state tmp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync state tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close state tmp: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		cleanup()
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// decodeDocument understands the current document and the legacy layouts where the
// top level maps an address straight to its records, an ID list, or a single
// "last seen" ID.
func decodeDocument(data []byte, now time.Time) (map[string]AddressState, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}

	if rawAddrs, ok := top["addresses"]; ok {
		if _, versioned := top["version"]; versioned {
			var addrs map[string]json.RawMessage
			if err := json.Unmarshal(rawAddrs, &addrs); err != nil {
				return nil, fmt.Errorf("decode addresses: %w", err)
			}
			return decodeAddresses(addrs, now)
		}
	}
	return decodeAddresses(top, now)
}

func decodeAddresses(addrs map[string]json.RawMessage, now time.Time) (map[string]AddressState, error) {
	out := make(map[string]AddressState, len(addrs))
	for addr, raw := range addrs {
		st := AddressState{Address: addr}

		var wrapped struct {
			UpdatedAt int64           `json:"updated_at"`
			Records   json.RawMessage `json:"records"`
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &wrapped) == nil && wrapped.Records != nil {
			st.UpdatedAt = wrapped.UpdatedAt
			raw = wrapped.Records
		}

		records, err := DecodeRecords(raw, now)
		if err != nil {
			return nil, fmt.Errorf("address %s: %w", addr, err)
		}
		if len(records) == 0 {
			continue
		}
		st.Records = records
		if st.UpdatedAt == 0 {
			st.UpdatedAt = now.Unix()
		}
		out[addr] = st
	}
	return out, nil
}

var _ Backend = (*FileBackend)(nil)
