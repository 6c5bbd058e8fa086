package disk

import (
	"io"
	"os"
	"sync"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// Manager performs synchronous page I/O against a single database file.
// The file lives on an afero filesystem so tests run on MemMapFs and the
// CLI on the OS filesystem.
type Manager struct {
	mu sync.Mutex

	fs   afero.Fs
	path string
	file afero.File

	// page ids handed back by DeallocatePage; ReuseFreedPage pops them.
	// The buffer pool allocates ids from its own counter and does not
	// consult this list.
	freed []common.PageID
}

func New(fs afero.Fs, path string) (*Manager, error) {
	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database file %s", path)
	}

	return &Manager{
		fs:   fs,
		path: path,
		file: file,
	}, nil
}

func (m *Manager) ReadPage(id common.PageID, buf []byte) error {
	assert.Assert(id != common.InvalidPageID, "read of the invalid page id")
	assert.Assert(len(buf) == common.PageSize, "buffer length %d != page size", len(buf))

	m.mu.Lock()
	defer m.mu.Unlock()

	offset := int64(id) * common.PageSize

	size, err := m.file.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "failed to query file size")
	}
	if offset >= size {
		// reading past EOF yields a zeroed page: the page was allocated
		// but never flushed
		clear(buf)
		return nil
	}

	n, err := m.file.ReadAt(buf, offset)
	if err != nil && n != common.PageSize {
		return errors.Wrapf(err, "failed to read page %d", id)
	}

	return nil
}

func (m *Manager) WritePage(id common.PageID, buf []byte) error {
	assert.Assert(id != common.InvalidPageID, "write of the invalid page id")
	assert.Assert(len(buf) == common.PageSize, "buffer length %d != page size", len(buf))

	m.mu.Lock()
	defer m.mu.Unlock()

	offset := int64(id) * common.PageSize
	if _, err := m.file.WriteAt(buf, offset); err != nil {
		return errors.Wrapf(err, "failed to write page %d", id)
	}

	return nil
}

// DeallocatePage records the id for reuse. The file itself is not
// truncated.
func (m *Manager) DeallocatePage(id common.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freed = append(m.freed, id)
}

// ReuseFreedPage pops a previously deallocated page id, if any.
func (m *Manager) ReuseFreedPage() (common.PageID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.freed) == 0 {
		return common.InvalidPageID, false
	}

	id := m.freed[len(m.freed)-1]
	m.freed = m.freed[:len(m.freed)-1]

	return id, true
}

// PageCount reports how many whole pages the database file holds.
func (m *Manager) PageCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, err := m.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query file size")
	}
	return int(size / common.PageSize), nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.file.Close(); err != nil {
		return errors.Wrap(err, "failed to close database file")
	}
	return nil
}
