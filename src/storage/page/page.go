package page

import (
	"sync"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// Page is the in-memory image of a disk page. The buffer pool owns the
// pin count; the page itself carries the byte buffer, the dirty flag and
// the reader/writer latch that callers take through page guards.
type Page struct {
	latch sync.RWMutex

	id    common.PageID
	dirty bool

	data [common.PageSize]byte
}

func New() *Page {
	return &Page{id: common.InvalidPageID}
}

func (p *Page) ID() common.PageID {
	return p.id
}

func (p *Page) SetID(id common.PageID) {
	p.id = id
}

// Data exposes the raw page buffer. Mutating it without holding the
// write latch and marking the page dirty is a bug.
func (p *Page) Data() []byte {
	return p.data[:]
}

func (p *Page) IsDirty() bool {
	return p.dirty
}

func (p *Page) SetDirty(val bool) {
	p.dirty = val
}

// Reset zeroes the buffer and metadata. Called by the pool when a frame
// is recycled for a different page.
func (p *Page) Reset() {
	p.id = common.InvalidPageID
	p.dirty = false
	clear(p.data[:])
}

func (p *Page) Lock()    { p.latch.Lock() }
func (p *Page) Unlock()  { p.latch.Unlock() }
func (p *Page) RLock()   { p.latch.RLock() }
func (p *Page) RUnlock() { p.latch.RUnlock() }
