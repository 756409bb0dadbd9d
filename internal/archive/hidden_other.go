//go:build !windows

package archive

import "os"

// isHidden always reports true: these platforms have no hidden attribute, and
// editor lock files copied from Windows shares lose it in transit.
func isHidden(os.FileInfo) bool {
	return true
}
