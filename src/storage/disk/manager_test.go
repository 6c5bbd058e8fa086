package disk

import (
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := New(afero.NewMemMapFs(), uuid.NewString()+".db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestReadWriteRoundTrip(t *testing.T) {
	m := newTestManager(t)

	out := make([]byte, common.PageSize)
	copy(out, []byte("page five"))
	require.NoError(t, m.WritePage(5, out))

	in := make([]byte, common.PageSize)
	require.NoError(t, m.ReadPage(5, in))
	require.Equal(t, out, in)
}

func TestReadPastEOFYieldsZeroedPage(t *testing.T) {
	m := newTestManager(t)

	buf := make([]byte, common.PageSize)
	buf[0] = 0xFF
	require.NoError(t, m.ReadPage(3, buf))
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestPageCount(t *testing.T) {
	m := newTestManager(t)

	n, err := m.PageCount()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	buf := make([]byte, common.PageSize)
	require.NoError(t, m.WritePage(2, buf))

	n, err = m.PageCount()
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestDeallocateReuse(t *testing.T) {
	m := newTestManager(t)

	_, ok := m.ReuseFreedPage()
	require.False(t, ok)

	m.DeallocatePage(7)
	id, ok := m.ReuseFreedPage()
	require.True(t, ok)
	require.Equal(t, common.PageID(7), id)

	_, ok = m.ReuseFreedPage()
	require.False(t, ok)
}

func TestShortBufferPanics(t *testing.T) {
	m := newTestManager(t)

	require.Panics(t, func() { _ = m.ReadPage(0, make([]byte, 16)) })
	require.Panics(t, func() { _ = m.WritePage(0, make([]byte, 16)) })
	require.Panics(t, func() { _ = m.ReadPage(common.InvalidPageID, make([]byte, common.PageSize)) })
}
