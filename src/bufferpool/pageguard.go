package bufferpool

import (
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/storage/page"
)

// BasicPageGuard holds a pin on a page without any latch. Guards are
// single-owner values: pass them by pointer, never copy one after use.
// Drop is idempotent.
type BasicPageGuard struct {
	bpm     *Manager
	page    *page.Page
	isDirty bool
}

func (m *Manager) NewPageGuarded() (BasicPageGuard, error) {
	p, err := m.NewPage()
	if err != nil {
		return BasicPageGuard{}, err
	}
	return BasicPageGuard{bpm: m, page: p}, nil
}

func (m *Manager) FetchPageBasic(pageID common.PageID) (BasicPageGuard, error) {
	p, err := m.FetchPage(pageID)
	if err != nil {
		return BasicPageGuard{}, err
	}
	return BasicPageGuard{bpm: m, page: p}, nil
}

func (m *Manager) FetchPageRead(pageID common.PageID) (ReadPageGuard, error) {
	g, err := m.FetchPageBasic(pageID)
	if err != nil {
		return ReadPageGuard{}, err
	}
	return g.UpgradeRead(), nil
}

func (m *Manager) FetchPageWrite(pageID common.PageID) (WritePageGuard, error) {
	g, err := m.FetchPageBasic(pageID)
	if err != nil {
		return WritePageGuard{}, err
	}
	return g.UpgradeWrite(), nil
}

func (g *BasicPageGuard) ID() common.PageID {
	return g.page.ID()
}

func (g *BasicPageGuard) Data() []byte {
	return g.page.Data()
}

// DataMut marks the page dirty and returns the mutable buffer.
func (g *BasicPageGuard) DataMut() []byte {
	g.isDirty = true
	return g.page.Data()
}

func (g *BasicPageGuard) Drop() {
	if g.page == nil {
		return
	}

	g.bpm.UnpinPage(g.page.ID(), g.isDirty)
	g.page = nil
}

// UpgradeRead consumes the guard and acquires the shared latch. The pin
// is carried over.
func (g *BasicPageGuard) UpgradeRead() ReadPageGuard {
	g.page.RLock()

	rg := ReadPageGuard{guard: *g}
	g.page = nil

	return rg
}

// UpgradeWrite consumes the guard and acquires the exclusive latch.
func (g *BasicPageGuard) UpgradeWrite() WritePageGuard {
	g.page.Lock()

	wg := WritePageGuard{guard: *g}
	g.page = nil

	return wg
}

// ReadPageGuard holds a pin plus the shared latch.
type ReadPageGuard struct {
	guard BasicPageGuard
}

func (g *ReadPageGuard) ID() common.PageID {
	return g.guard.page.ID()
}

func (g *ReadPageGuard) Data() []byte {
	return g.guard.page.Data()
}

func (g *ReadPageGuard) IsValid() bool {
	return g.guard.page != nil
}

// Drop releases the latch first, then the pin. The reverse order would
// let a resurrected evicted page be latched by someone else while we
// still believe we hold it.
func (g *ReadPageGuard) Drop() {
	if g.guard.page == nil {
		return
	}

	g.guard.page.RUnlock()
	g.guard.Drop()
}

// WritePageGuard holds a pin plus the exclusive latch and marks the page
// dirty on mutable access.
type WritePageGuard struct {
	guard BasicPageGuard
}

func (g *WritePageGuard) ID() common.PageID {
	return g.guard.page.ID()
}

func (g *WritePageGuard) Data() []byte {
	return g.guard.page.Data()
}

func (g *WritePageGuard) DataMut() []byte {
	return g.guard.DataMut()
}

func (g *WritePageGuard) IsValid() bool {
	return g.guard.page != nil
}

// Drop releases the latch first, then the pin.
func (g *WritePageGuard) Drop() {
	if g.guard.page == nil {
		return
	}

	g.guard.page.Unlock()
	g.guard.Drop()
}
