//go:build !darwin && !linux

package storage

// Filesystem type detection is not available here; treat the path as local.
func detectFilesystemType(path string) (string, error) {
	return "unknown", nil
}
