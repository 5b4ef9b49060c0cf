package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Snapshot is one loaded, validated configuration.
//
// Components receive the Config at construction and never observe later
// changes; a reload builds a new Snapshot with a new Version.
type Snapshot struct {
	// Version is a content hash of Config, stable across reloads of the
	// same settings.
	Version  string    `json:"version" yaml:"version"`
	LoadedAt time.Time `json:"loaded_at" yaml:"loaded_at"`
	// Source is the config file read, empty when only defaults and the
	// environment were used.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Config Config `json:"config" yaml:"config"`
}

// NewSnapshot stamps cfg with its version.
func NewSnapshot(cfg Config, source string, loadedAt time.Time) (Snapshot, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return Snapshot{}, fmt.Errorf("hash config: %w", err)
	}
	sum := sha256.Sum256(data)
	return Snapshot{
		Version:  hex.EncodeToString(sum[:])[:12],
		LoadedAt: loadedAt,
		Source:   source,
		Config:   cfg,
	}, nil
}

// Redacted returns a copy of the snapshot with secrets masked.
func (s Snapshot) Redacted() Snapshot {
	out := s
	out.Config.Platforms = make(map[string]PlatformConfig, len(s.Config.Platforms))
	for name, pc := range s.Config.Platforms {
		if pc.Token != "" {
			pc.Token = redacted
		}
		out.Config.Platforms[name] = pc
	}
	if out.Config.Redis.Password != "" {
		out.Config.Redis.Password = redacted
	}
	return out
}

// Marshal renders the redacted snapshot as YAML.
func (s Snapshot) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(s.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
