//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// statfs f_type values of the network filesystems we refuse.
var linuxMagic = map[uint32]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
}

func detectFilesystemType(path string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	if name, ok := linuxMagic[uint32(st.Type)]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", uint32(st.Type)), nil
}
