package archive

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/minio/sha256-simd"
	"github.com/spf13/afero"
)

// HashFile streams a file through SHA-256 and returns the lowercase hex
// digest, the format the archive catalog stores. Uses constant memory.
func HashFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
