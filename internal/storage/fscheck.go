package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is returned when the store path is on a network mount,
// where SQLite file locking is unreliable.
var ErrNetworkFilesystem = errors.New("sqlite store on network filesystem")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// checkLocalFilesystem inspects the nearest existing ancestor of path, since
// the database file and its directory may not exist yet.
func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve store path %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("%w: %q is on %s; set store.path to a local disk", ErrNetworkFilesystem, path, fsType)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing ancestor")
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
