package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileSpec is the on-disk YAML shape of a policy snapshot.
type fileSpec struct {
	Version string            `yaml:"version,omitempty"`
	Ports   map[uint16][]Rule `yaml:"ports"`
}

// Load reads a policy snapshot from a YAML file. The snapshot hash is the
// SHA-256 of the raw bytes on disk; when the file declares no version label,
// the hash doubles as the version.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse builds a snapshot from raw YAML bytes.
func Parse(data []byte) (*Table, error) {
	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	version := spec.Version
	if version == "" {
		version = hash
	}
	return NewTable(version, hash, spec.Ports)
}
