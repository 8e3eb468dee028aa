package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the per-directory manifest of expected config hashes.
const ChecksumFile = ".checksums"

// ChecksumManifest is the on-disk format of ChecksumFile.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashFile computes the BLAKE3 hash of a file.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WriteChecksums hashes the given files and writes one manifest per directory.
// It returns the manifest paths written.
func WriteChecksums(paths []string) ([]string, error) {
	byDir := groupByDir(paths)
	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	written := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		manifest := ChecksumManifest{
			Version:     1,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
			Hashes:      make(map[string]string),
		}
		for _, path := range byDir[dir] {
			hash, err := HashFile(path)
			if err != nil {
				return written, fmt.Errorf("failed to hash %s: %w", path, err)
			}
			manifest.Hashes[filepath.Base(path)] = hash
		}
		data, err := yaml.Marshal(manifest)
		if err != nil {
			return written, fmt.Errorf("failed to marshal checksums: %w", err)
		}
		out := filepath.Join(dir, ChecksumFile)
		if err := os.WriteFile(out, data, 0o600); err != nil {
			return written, fmt.Errorf("failed to write checksums: %w", err)
		}
		written = append(written, out)
	}
	return written, nil
}

// VerifyChecksums checks each file against the manifest in its directory.
// Directories without a manifest are not verified.
func VerifyChecksums(paths []string) error {
	for dir, files := range groupByDir(paths) {
		manifest, err := loadManifest(dir)
		if err != nil {
			return err
		}
		if manifest == nil {
			continue
		}
		for _, path := range files {
			name := filepath.Base(path)
			expected, ok := manifest.Hashes[name]
			if !ok {
				return fmt.Errorf("config file %s has no hash in %s\n"+
					"Run: switchboard config lock", name, filepath.Join(dir, ChecksumFile))
			}
			actual, err := HashFile(path)
			if err != nil {
				return err
			}
			if actual != expected {
				return fmt.Errorf("config verification failed for %s: expected %s, got %s\n"+
					"If you edited this file intentionally, run: switchboard config lock", path, expected, actual)
			}
		}
	}
	return nil
}

func loadManifest(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}
	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

func groupByDir(paths []string) map[string][]string {
	out := make(map[string][]string)
	for _, p := range paths {
		dir := filepath.Dir(p)
		out[dir] = append(out[dir], p)
	}
	return out
}
