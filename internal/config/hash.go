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

const checksumFile = ".checksums"

// ChecksumManifest is the .checksums file kept next to config files.
// Hashes are keyed by file base name.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashUpdateReport captures checksum generation for one directory.
type HashUpdateReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Hashes       map[string]string
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actual, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actual)
	}
	return nil
}

// Lock hashes the config file at configPath and every file it includes,
// writing one .checksums manifest per directory. With dryRun nothing is
// written.
func Lock(configPath string, dryRun bool) ([]*HashUpdateReport, error) {
	_, paths, err := loadTree(configPath)
	if err != nil {
		return nil, err
	}

	byDir := make(map[string][]string)
	for _, p := range paths {
		dir := filepath.Dir(p)
		byDir[dir] = append(byDir[dir], filepath.Base(p))
	}
	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	reports := make([]*HashUpdateReport, 0, len(dirs))
	for _, dir := range dirs {
		report, err := GenerateChecksumsWithReport(dir, byDir[dir], dryRun)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// GenerateChecksumsWithReport hashes files in configDir and optionally
// writes .checksums.
func GenerateChecksumsWithReport(configDir string, files []string, dryRun bool) (*HashUpdateReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	for _, name := range files {
		hash, err := ComputeBlake3Hash(filepath.Join(configDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		manifest.Hashes[name] = hash
	}

	report := &HashUpdateReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, checksumFile),
		Hashes:       manifest.Hashes,
	}
	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, checksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'cellhost config lock')")
		}
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

// verifyAllConfigHashes checks every path against the manifest in its
// directory. Directories without a manifest are not verified.
func verifyAllConfigHashes(paths []string) error {
	byDir := make(map[string][]string)
	for _, p := range paths {
		byDir[filepath.Dir(p)] = append(byDir[filepath.Dir(p)], p)
	}

	for dir, files := range byDir {
		if _, err := os.Stat(filepath.Join(dir, checksumFile)); os.IsNotExist(err) {
			continue
		}
		manifest, err := LoadChecksums(dir)
		if err != nil {
			return err
		}
		for _, p := range files {
			name := filepath.Base(p)
			want, ok := manifest.Hashes[name]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: cellhost config lock", name, dir)
			}
			if err := VerifyFileHash(p, want); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: cellhost config lock", p, err)
			}
		}
	}
	return nil
}
