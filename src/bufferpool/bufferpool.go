package bufferpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/storage/datastructures/inmemory"
	"github.com/Blackdeer1524/RelDB/src/storage/page"
)

var (
	// ErrNoFreeFrames is the capacity failure: every frame is pinned.
	// Callers are expected to release pins and retry.
	ErrNoFreeFrames = errors.New("all frames are pinned")

	ErrPageNotInPool = errors.New("page is not resident in the pool")
)

// DiskManager is the I/O collaborator consumed by the pool.
type DiskManager interface {
	ReadPage(id common.PageID, buf []byte) error
	WritePage(id common.PageID, buf []byte) error
	DeallocatePage(id common.PageID)
}

type frame struct {
	page     *page.Page
	pinCount int
}

// Manager owns poolSize frames, the page table mapping resident page ids
// to frames, the free list and the replacer. One coarse mutex serializes
// all metadata operations; page latches provide the fine-grained side.
// Disk reads of a freshly pinned frame happen outside the pool mutex
// under the frame's write latch, so page I/O does not serialize.
type Manager struct {
	mu sync.Mutex

	frames    []frame
	freeList  []common.FrameID
	pageTable *inmemory.ExtendibleHashTable[common.PageID, common.FrameID]
	replacer  *LRUKReplacer

	disk       DiskManager
	nextPageID atomic.Int32

	log *zap.SugaredLogger

	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	flushes   metric.Int64Counter
}

const pageTableBucketSize = 8

func New(
	poolSize int,
	replacerK int,
	diskManager DiskManager,
	log *zap.SugaredLogger,
) *Manager {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")

	frames := make([]frame, poolSize)
	freeList := make([]common.FrameID, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i].page = page.New()
		freeList = append(freeList, common.FrameID(i))
	}

	meter := otel.Meter("reldb/bufferpool")
	hits, _ := meter.Int64Counter("bufferpool.hits")
	misses, _ := meter.Int64Counter("bufferpool.misses")
	evictions, _ := meter.Int64Counter("bufferpool.evictions")
	flushes, _ := meter.Int64Counter("bufferpool.flushes")

	m := &Manager{
		frames:   frames,
		freeList: freeList,
		pageTable: inmemory.NewExtendibleHashTable[common.PageID, common.FrameID](
			pageTableBucketSize,
			func(id common.PageID) uint64 {
				return inmemory.HashUint64(inmemory.DefaultHashSeed, uint64(id))
			},
		),
		replacer:  NewLRUKReplacer(poolSize, replacerK),
		disk:      diskManager,
		log:       log,
		hits:      hits,
		misses:    misses,
		evictions: evictions,
		flushes:   flushes,
	}
	return m
}

// allocFrame takes a frame off the free list or evicts a victim,
// flushing it if dirty. Called with m.mu held. The victim flush stays
// under the pool mutex: at that point the frame still belongs to the old
// page and must not be observable half-reassigned.
func (m *Manager) allocFrame() (common.FrameID, error) {
	if len(m.freeList) > 0 {
		id := m.freeList[len(m.freeList)-1]
		m.freeList = m.freeList[:len(m.freeList)-1]

		return id, nil
	}

	victimOpt := m.replacer.Evict()
	if victimOpt.IsNone() {
		return 0, ErrNoFreeFrames
	}
	victim := victimOpt.Unwrap()

	f := &m.frames[victim]
	assert.Assert(f.pinCount == 0, "evicted a pinned frame %d", victim)

	oldID := f.page.ID()
	if f.page.IsDirty() {
		if err := m.disk.WritePage(oldID, f.page.Data()); err != nil {
			// the frame stays usable for its old page; put it back
			m.replacer.RecordAccess(victim)
			m.replacer.SetEvictable(victim, true)

			return 0, errors.Wrapf(err, "failed to flush victim page %d", oldID)
		}
		f.page.SetDirty(false)
	}

	m.pageTable.Remove(oldID)
	m.evictions.Add(context.Background(), 1)
	m.log.Debugw("evicted page", "pageID", oldID, "frameID", victim)

	return victim, nil
}

// NewPage allocates a fresh page id, installs it in a frame and returns
// the page pinned. ErrNoFreeFrames is returned when every frame is
// pinned.
func (m *Manager) NewPage() (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, err := m.allocFrame()
	if err != nil {
		return nil, err
	}

	newID := common.PageID(m.nextPageID.Add(1) - 1)

	f := &m.frames[frameID]
	f.page.Reset()
	f.page.SetID(newID)
	f.pinCount = 1

	m.pageTable.Insert(newID, frameID)
	m.replacer.RecordAccess(frameID)
	m.replacer.SetEvictable(frameID, false)

	return f.page, nil
}

// FetchPage pins the page, reading it from disk on a miss. The disk read
// happens outside the pool mutex while the frame's write latch is held,
// so a concurrent fetcher of the same page blocks on the latch instead
// of observing a half-read buffer.
func (m *Manager) FetchPage(pageID common.PageID) (*page.Page, error) {
	assert.Assert(pageID != common.InvalidPageID, "fetch of the invalid page id")

	m.mu.Lock()

	if frameOpt := m.pageTable.Find(pageID); frameOpt.IsSome() {
		frameID := frameOpt.Unwrap()
		f := &m.frames[frameID]
		f.pinCount++
		m.replacer.RecordAccess(frameID)
		m.replacer.SetEvictable(frameID, false)
		m.hits.Add(context.Background(), 1)
		m.mu.Unlock()

		return f.page, nil
	}
	m.misses.Add(context.Background(), 1)

	frameID, err := m.allocFrame()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	f := &m.frames[frameID]
	f.page.Reset()
	f.page.SetID(pageID)
	f.pinCount = 1

	m.pageTable.Insert(pageID, frameID)
	m.replacer.RecordAccess(frameID)
	m.replacer.SetEvictable(frameID, false)

	p := f.page
	p.Lock()
	m.mu.Unlock()

	readErr := m.disk.ReadPage(pageID, p.Data())
	p.Unlock()

	if readErr != nil {
		m.mu.Lock()
		m.pageTable.Remove(pageID)
		f.pinCount = 0
		f.page.Reset()
		m.replacer.SetEvictable(frameID, true)
		m.replacer.Remove(frameID)
		m.freeList = append(m.freeList, frameID)
		m.mu.Unlock()

		return nil, errors.Wrapf(readErr, "failed to fetch page %d", pageID)
	}

	return p, nil
}

// UnpinPage drops one pin. The dirty bit is sticky: once a caller
// reports the page dirty it stays dirty until a flush.
func (m *Manager) UnpinPage(pageID common.PageID, isDirty bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameOpt := m.pageTable.Find(pageID)
	if frameOpt.IsNone() {
		return false
	}

	frameID := frameOpt.Unwrap()
	f := &m.frames[frameID]
	if f.pinCount == 0 {
		return false
	}

	if isDirty {
		f.page.SetDirty(true)
	}

	f.pinCount--
	if f.pinCount == 0 {
		m.replacer.SetEvictable(frameID, true)
	}

	return true
}

// FlushPage writes the page through unconditionally and clears the dirty
// flag after a successful write. The write happens under the page's read
// latch with an extra pin, outside the pool mutex.
func (m *Manager) FlushPage(pageID common.PageID) error {
	assert.Assert(pageID != common.InvalidPageID, "flush of the invalid page id")

	m.mu.Lock()

	frameOpt := m.pageTable.Find(pageID)
	if frameOpt.IsNone() {
		m.mu.Unlock()
		return ErrPageNotInPool
	}

	frameID := frameOpt.Unwrap()
	f := &m.frames[frameID]
	f.pinCount++
	m.replacer.SetEvictable(frameID, false)
	p := f.page
	m.mu.Unlock()

	p.RLock()
	err := m.disk.WritePage(pageID, p.Data())
	p.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		p.SetDirty(false)
		m.flushes.Add(context.Background(), 1)
	} else {
		m.log.Errorw("page flush failed", "pageID", pageID, "error", err)
	}

	f.pinCount--
	if f.pinCount == 0 {
		m.replacer.SetEvictable(frameID, true)
	}

	if err != nil {
		return errors.Wrapf(err, "failed to flush page %d", pageID)
	}

	return nil
}

// FlushAllPages flushes every resident page. Errors are reported for the
// first failing page.
func (m *Manager) FlushAllPages() error {
	m.mu.Lock()
	resident := make([]common.PageID, 0, len(m.frames))
	m.pageTable.Range(func(pageID common.PageID, _ common.FrameID) bool {
		resident = append(resident, pageID)
		return true
	})
	m.mu.Unlock()

	for _, pageID := range resident {
		if err := m.FlushPage(pageID); err != nil && !errors.Is(err, ErrPageNotInPool) {
			return err
		}
	}

	return nil
}

// DeletePage drops a page from the pool and hands its id back to the
// disk manager. Deleting a non-resident page is a no-op success;
// deleting a pinned page fails.
func (m *Manager) DeletePage(pageID common.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameOpt := m.pageTable.Find(pageID)
	if frameOpt.IsNone() {
		return true
	}

	frameID := frameOpt.Unwrap()
	f := &m.frames[frameID]
	if f.pinCount > 0 {
		return false
	}

	m.replacer.Remove(frameID)
	m.pageTable.Remove(pageID)
	f.page.Reset()
	m.freeList = append(m.freeList, frameID)

	m.disk.DeallocatePage(pageID)

	return true
}

// Replacer exposes the replacer for invariant checks in tests.
func (m *Manager) Replacer() *LRUKReplacer {
	return m.replacer
}

// AdvancePageCounter fast-forwards the page id counter past pages that
// already exist on disk. Called once when opening an existing database.
func (m *Manager) AdvancePageCounter(firstFree common.PageID) {
	for {
		cur := m.nextPageID.Load()
		if cur >= int32(firstFree) {
			return
		}
		if m.nextPageID.CompareAndSwap(cur, int32(firstFree)) {
			return
		}
	}
}
