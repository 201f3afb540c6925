package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cases := []struct {
		name    string
		fsType  string
		wantErr bool
	}{
		{name: "local ext4 magic", fsType: "0xef53"},
		{name: "apfs", fsType: "apfs"},
		{name: "nfs", fsType: "nfs", wantErr: true},
		{name: "smb uppercase", fsType: "SMB2", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := checkLocalFilesystem(filepath.Join(root, "cells.db"), func(string) (string, error) {
				return tc.fsType, nil
			})
			if tc.wantErr {
				if !errors.Is(err, ErrNetworkFilesystem) {
					t.Fatalf("expected ErrNetworkFilesystem, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("checkLocalFilesystem: %v", err)
			}
		})
	}
}

func TestCheckLocalFilesystemInspectsNearestAncestor(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocalFilesystem(filepath.Join(root, "a", "b", "cells.db"), func(p string) (string, error) {
		inspected = p
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("checkLocalFilesystem: %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want %q", inspected, root)
	}
}
