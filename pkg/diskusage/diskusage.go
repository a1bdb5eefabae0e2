// Package diskusage sums the on-disk size of a directory tree. It exists
// to back the registry disk-usage figures reported alongside GET /props;
// the retrieval pack only ever showed this import path used by a deleted
// backend (never the package body), so this is a small fresh
// implementation rather than an adaptation.
package diskusage

import (
	"os"
	"path/filepath"
)

// Size walks root and returns the sum of every regular file's size. A
// missing root is reported as zero bytes rather than an error, since a
// not-yet-populated cache directory is a normal starting state.
func Size(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
