package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// APIKeyRecord is the optional local API key protecting the /v1/* routes.
// When no record exists the proxy accepts all local callers.
type APIKeyRecord struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoadAPIKey reads the local API key record. A missing file means "no key
// configured" and returns (nil, nil).
func LoadAPIKey(path string) (*APIKeyRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var rec APIKeyRecord
	if err = json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if rec.Key == "" {
		return nil, nil
	}
	return &rec, nil
}

// SaveAPIKey persists the record as pretty-printed JSON.
func SaveAPIKey(path string, rec *APIKeyRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal api key: %w", err)
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o600)
}
