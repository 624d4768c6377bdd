package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// identityFileName stores the server's restart-stable uniqueId.
const identityFileName = "identity.json"

// Identity is the persisted server identity. UniqueID survives restarts so
// dedup hashes and peer addressing stay stable across them.
type Identity struct {
	UniqueID  string    `json:"uniqueId"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoadOrCreateIdentity reads the instance identity, minting and persisting a
// fresh one on first run.
func LoadOrCreateIdentity(instanceDir string) (*Identity, error) {
	path := filepath.Join(instanceDir, identityFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err == nil && id.UniqueID != "" {
			return &id, nil
		}
		// Corrupt identity file: mint a new one rather than refuse to start.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	id := &Identity{
		UniqueID:  "server-" + uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	data, err = json.MarshalIndent(id, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing identity: %w", err)
	}
	if err := os.MkdirAll(instanceDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating instance dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}
	return id, nil
}
