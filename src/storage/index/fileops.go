package index

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// RIDForKey derives a synthetic row id from an integer key. Used by the
// file-driven helpers and tests.
func RIDForKey(key int64) common.RID {
	return common.RID{
		PageID:  common.PageID(key >> 16),
		SlotNum: uint32(key & 0xFFFF),
	}
}

func forEachKeyInFile(fs afero.Fs, path string, fn func(key int64) error) error {
	f, err := fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open key file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "bad key %q in %s", line, path)
		}
		if err := fn(key); err != nil {
			return err
		}
	}

	return errors.Wrap(scanner.Err(), "failed to scan key file")
}

// InsertFromFile reads integer keys, one per line, and inserts each.
func InsertFromFile(t *BPlusTree[int64], fs afero.Fs, path string) error {
	return forEachKeyInFile(fs, path, func(key int64) error {
		_, err := t.Insert(key, RIDForKey(key))
		return err
	})
}

// RemoveFromFile reads integer keys, one per line, and removes each.
func RemoveFromFile(t *BPlusTree[int64], fs afero.Fs, path string) error {
	return forEachKeyInFile(fs, path, func(key int64) error {
		return t.Remove(key)
	})
}
