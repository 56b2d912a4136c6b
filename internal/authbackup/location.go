package authbackup

import (
	"os"
	"path/filepath"
)

// Directory names used under each candidate root.
const (
	localDirName = "auth_backup"
	tempDirName  = "whatsapp-auth-backup"
	homeDirName  = ".whatsapp-auth-backup"
)

// Locations returns the candidate backup directories in priority order:
// a relative directory under the working directory, one under the system
// temp directory, and one under the user's home. A candidate whose root
// is not configured in the environment is left out. lookup is usually
// os.Getenv.
func Locations(lookup func(string) string) []string {
	dirs := []string{filepath.Join(".", localDirName)}

	if tmp := tempRoot(lookup); tmp != "" {
		dirs = append(dirs, filepath.Join(tmp, tempDirName))
	}
	if home := lookup("HOME"); home != "" {
		dirs = append(dirs, filepath.Join(home, homeDirName))
	}
	return dirs
}

// tempRoot mirrors os.TempDir but reads through lookup.
func tempRoot(lookup func(string) string) string {
	if dir := lookup("TMPDIR"); dir != "" {
		return dir
	}
	if filepath.Separator == '\\' {
		return os.TempDir()
	}
	return "/tmp"
}
