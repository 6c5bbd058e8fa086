package index

import (
	"bytes"
	"encoding/binary"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/RelDB/src/bufferpool"
	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// The header page stores (index name -> root page id) records:
//
//	count uint32 | { name [32]byte | rootID int32 } ...
const (
	headerNameSize   = 32
	headerRecordSize = headerNameSize + 4
	headerCountSize  = 4
	headerMaxRecords = (common.PageSize - headerCountSize) / headerRecordSize
)

// CreateHeaderPage allocates and initializes the page that holds root
// records. On a fresh database this is the very first allocation and
// yields page 0.
func CreateHeaderPage(pool *bufferpool.Manager) (common.PageID, error) {
	g, err := pool.NewPageGuarded()
	if err != nil {
		return common.InvalidPageID, errors.Wrap(err, "failed to allocate the header page")
	}
	defer g.Drop()

	binary.LittleEndian.PutUint32(g.DataMut(), 0)

	return g.ID(), nil
}

type headerView struct {
	data []byte
}

func (h headerView) count() int {
	return int(binary.LittleEndian.Uint32(h.data))
}

func (h headerView) setCount(n int) {
	binary.LittleEndian.PutUint32(h.data, uint32(n))
}

func (h headerView) nameAt(i int) []byte {
	off := headerCountSize + i*headerRecordSize
	raw := h.data[off : off+headerNameSize]
	if cut := bytes.IndexByte(raw, 0); cut >= 0 {
		return raw[:cut]
	}
	return raw
}

func (h headerView) rootAt(i int) common.PageID {
	off := headerCountSize + i*headerRecordSize + headerNameSize
	return common.PageID(int32(binary.LittleEndian.Uint32(h.data[off:])))
}

func (h headerView) setRecordAt(i int, name string, root common.PageID) {
	assert.Assert(len(name) > 0 && len(name) < headerNameSize, "bad index name %q", name)

	off := headerCountSize + i*headerRecordSize
	clear(h.data[off : off+headerNameSize])
	copy(h.data[off:], name)
	binary.LittleEndian.PutUint32(h.data[off+headerNameSize:], uint32(int32(root)))
}

func (h headerView) indexOf(name string) int {
	for i := range h.count() {
		if string(h.nameAt(i)) == name {
			return i
		}
	}
	return -1
}

// loadOrRegisterRoot returns the persisted root id of the named index,
// registering the index with an invalid root on first use.
func loadOrRegisterRoot(
	pool *bufferpool.Manager,
	headerPageID common.PageID,
	name string,
) (common.PageID, error) {
	g, err := pool.FetchPageWrite(headerPageID)
	if err != nil {
		return common.InvalidPageID, errors.Wrap(err, "failed to fetch the header page")
	}
	defer g.Drop()

	h := headerView{data: g.Data()}
	if i := h.indexOf(name); i >= 0 {
		return h.rootAt(i), nil
	}

	count := h.count()
	assert.Assert(count < headerMaxRecords, "header page is full")

	h = headerView{data: g.DataMut()}
	h.setRecordAt(count, name, common.InvalidPageID)
	h.setCount(count + 1)

	return common.InvalidPageID, nil
}

// persistRoot updates the named index's root record.
func persistRoot(
	pool *bufferpool.Manager,
	headerPageID common.PageID,
	name string,
	root common.PageID,
) error {
	g, err := pool.FetchPageWrite(headerPageID)
	if err != nil {
		return errors.Wrap(err, "failed to fetch the header page")
	}
	defer g.Drop()

	h := headerView{data: g.DataMut()}
	i := h.indexOf(name)
	assert.Assert(i >= 0, "index %q is not registered on the header page", name)

	h.setRecordAt(i, name, root)

	return nil
}
