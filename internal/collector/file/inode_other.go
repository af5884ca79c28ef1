//go:build !unix

package file

import "os"

// inodeOf has no portable equivalent outside unix; callers fall back to
// the size-decrease rotation check.
func inodeOf(info os.FileInfo) (uint64, bool) {
	return 0, false
}
