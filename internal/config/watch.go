package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// fingerprint is the SHA-256 content hash plus mtime of the config file on
// disk, so CheckForUpdate can cheaply decide "nothing changed" without
// re-parsing and re-validating on every poll (the file is still read and hashed) — matching agent/core/
// config.py's hash-based change detection.
type fingerprint struct {
	hash  string
	mtime int64
}

func fingerprintFile(path string) (fingerprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fingerprint{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fingerprint{}, err
	}
	sum := sha256.Sum256(data)
	return fingerprint{hash: hex.EncodeToString(sum[:]), mtime: info.ModTime().UnixNano()}, nil
}

func (f fingerprint) equal(other fingerprint) bool {
	return f.hash == other.hash && f.mtime == other.mtime
}

// CollectorDescriptorHash returns a stable hash of a collector's descriptor,
// used by the supervisor to decide whether a changed config requires
// restarting that collector (spec.md §4.2's "collectors are not restarted
// unless their descriptor hash changed").
func CollectorDescriptorHash(c CollectorConfig) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%+v", c)))
	return hex.EncodeToString(sum[:])
}
