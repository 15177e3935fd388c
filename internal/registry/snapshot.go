package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
)

// snapshotFile mirrors the registry to a human-readable JSON file. The
// file is advisory: after a restart its entries are listed as
// unreachable until the handler re-registers.
type snapshotFile struct {
	path string
}

type snapshotEntry struct {
	ID           string    `json:"handler_id"`
	Address      string    `json:"address"`
	Methods      []string  `json:"methods"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

func newSnapshotFile(path string) (*snapshotFile, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating snapshot directory: %w", err)
		}
	}
	return &snapshotFile{path: path}, nil
}

func (s *snapshotFile) load() ([]*domain.HandlerEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var raw map[string]snapshotEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing snapshot file: %w", err)
	}
	out := make([]*domain.HandlerEntry, 0, len(raw))
	for _, e := range raw {
		out = append(out, &domain.HandlerEntry{
			ID:           e.ID,
			Address:      e.Address,
			Methods:      e.Methods,
			RegisteredAt: e.RegisteredAt,
			LastSeen:     e.LastSeen,
		})
	}
	return out, nil
}

func (s *snapshotFile) store(entries map[string]*domain.HandlerEntry) error {
	raw := make(map[string]snapshotEntry, len(entries))
	for id, e := range entries {
		raw[id] = snapshotEntry{
			ID:           e.ID,
			Address:      e.Address,
			Methods:      e.Methods,
			RegisteredAt: e.RegisteredAt,
			LastSeen:     e.LastSeen,
		}
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}
