//go:build windows

package archive

import (
	"os"
	"syscall"
)

// isHidden reports whether the file carries FILE_ATTRIBUTE_HIDDEN. Files
// without Win32 attribute data (e.g. in-memory filesystems) are not hidden.
func isHidden(info os.FileInfo) bool {
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok || data == nil {
		return false
	}

	return data.FileAttributes&syscall.FILE_ATTRIBUTE_HIDDEN != 0
}
