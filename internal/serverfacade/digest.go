package serverfacade

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ComputeContentMD5 folds the relative path and size of every regular
// file under dir into one digest, standing in for the extension-pack
// manager's content-hash surface (spec §1 "a content-hash digest"),
// which is out of scope here beyond the digest string itself. A
// missing directory yields the empty-tree digest rather than an error,
// so a fresh install with no packages/ directory still boots.
func ComputeContentMD5(dir string) string {
	var names []string
	sizes := make(map[string]int64)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		names = append(names, rel)
		sizes[rel] = info.Size()
		return nil
	})
	if err != nil {
		return ""
	}

	sort.Strings(names)
	h := md5.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s:%d\n", name, sizes[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}
