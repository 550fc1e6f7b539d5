package spengine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Suffixes for the four on-disk artifacts a BlobStore resolves (spec §3, §6).
const (
	suffixPassword      = ".pwd"
	suffixSpBlob        = ".spblob"
	suffixWeaver        = ".weaver"
	suffixSecDiscardable = ".secdis"
)

// BlobStore locates and reads the on-disk artifacts written by the
// synthetic-password manager under a user's spblob directory (spec §4.1).
// It never interprets content; it only resolves filenames and returns raw
// bytes.
type BlobStore struct {
	dir string
}

// NewBlobStore returns a BlobStore rooted at dir, typically
// /data/system_de/<uid>/spblob/.
func NewBlobStore(dir string) *BlobStore {
	return &BlobStore{dir: dir}
}

// candidates returns the filename variants tried for handle+suffix, in
// resolution order: <handle><suffix>, 0<handle><suffix>, 00<handle><suffix>.
func candidates(handle, suffix string) []string {
	return []string{
		handle + suffix,
		"0" + handle + suffix,
		"00" + handle + suffix,
	}
}

// Read returns the raw bytes of the first candidate filename for
// handle+suffix that exists, tolerating the zero-padded handle variants
// described in spec §4.1/§6. It returns an error wrapping ErrBlobMissing if
// none of the candidates exist, or ErrIO on any other read failure.
func (s *BlobStore) Read(handle, suffix string) ([]byte, error) {
	var lastErr error
	for _, name := range candidates(handle, suffix) {
		path := filepath.Join(s.dir, name)
		b, err := os.ReadFile(path)
		if err == nil {
			return b, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			lastErr = err
			continue
		}
		return nil, fmt.Errorf("read %s: %w", path, joinIOErr(err))
	}
	return nil, fmt.Errorf("no variant of %q%s found under %s: %w: %w", handle, suffix, s.dir, ErrBlobMissing, lastErr)
}

// Exists reports whether any candidate filename for handle+suffix is present,
// without reading its contents. Used to decide the weaver-vs-secdiscardable
// branch (spec §4.7 step 3).
func (s *BlobStore) Exists(handle, suffix string) bool {
	for _, name := range candidates(handle, suffix) {
		if _, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			return true
		}
	}
	return false
}

func joinIOErr(err error) error {
	return fmt.Errorf("%w: %v", ErrIO, err)
}
