package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeItems(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Initialize("1.0"))

	err := b.MergeItems([]Record{
		{Name: "a", CreatedAt: "0000000010.00000", Size: 5, ContentType: "text/plain", ETag: "x"},
		{Name: "b", CreatedAt: "0000000011.00000", Size: 7, ContentType: "text/plain", ETag: "y"},
	}, "peer-1")
	require.NoError(t, err)

	info, err := b.GetInfo()
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.ObjectCount)
	assert.EqualValues(t, 12, info.BytesUsed)
}

func TestMergeItems_TimestampOrdering(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Initialize("1.0"))
	require.NoError(t, b.PutObject("obj", "200", 10, "text/plain", "local"))

	// An older remote row is ignored; a newer one replaces.
	older, _ := NormalizeTimestamp("150")
	newer, _ := NormalizeTimestamp("300")
	err := b.MergeItems([]Record{
		{Name: "obj", CreatedAt: older, Size: 99, ContentType: "text/plain", ETag: "old"},
	}, "peer-1")
	require.NoError(t, err)

	records, err := b.ListObjectsIter(10, "", "", "", nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "local", records[0].ETag)

	err = b.MergeItems([]Record{
		{Name: "obj", CreatedAt: newer, Size: 3, ContentType: "text/plain", ETag: "new"},
	}, "peer-1")
	require.NoError(t, err)

	records, err = b.ListObjectsIter(10, "", "", "", nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].ETag)

	info, err := b.GetInfo()
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.ObjectCount)
	assert.EqualValues(t, 3, info.BytesUsed)
}

func TestMergeItems_RemoteTombstone(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Initialize("1.0"))
	require.NoError(t, b.PutObject("obj", "200", 10, "text/plain", "local"))

	ts, _ := NormalizeTimestamp("300")
	err := b.MergeItems([]Record{
		{Name: "obj", CreatedAt: ts, Deleted: 1},
	}, "peer-1")
	require.NoError(t, err)

	info, err := b.GetInfo()
	require.NoError(t, err)
	assert.Zero(t, info.ObjectCount)
	assert.Zero(t, info.BytesUsed)
}

func TestMergeItems_Idempotent(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Initialize("1.0"))

	batch := []Record{
		{Name: "a", CreatedAt: "0000000010.00000", Size: 5, ContentType: "text/plain", ETag: "x"},
	}
	require.NoError(t, b.MergeItems(batch, "peer-1"))
	first, err := b.GetInfo()
	require.NoError(t, err)

	require.NoError(t, b.MergeItems(batch, "peer-1"))
	second, err := b.GetInfo()
	require.NoError(t, err)

	assert.Equal(t, first.ObjectCount, second.ObjectCount)
	assert.Equal(t, first.BytesUsed, second.BytesUsed)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestMergeItems_MissingDB(t *testing.T) {
	b := newTestBroker(t)
	err := b.MergeItems([]Record{{Name: "a", CreatedAt: "0000000010.00000"}}, "peer-1")
	assert.ErrorIs(t, err, ErrDBMissing)
}

func TestGetReplicationInfo(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Initialize("1.0"))

	ri, err := b.GetReplicationInfo()
	require.NoError(t, err)
	assert.EqualValues(t, -1, ri.MaxRow, "no rows yet")

	require.NoError(t, b.PutObject("a", "2", 1, "text/plain", "x"))
	require.NoError(t, b.PutObject("b", "3", 1, "text/plain", "y"))

	ri, err = b.GetReplicationInfo()
	require.NoError(t, err)
	assert.EqualValues(t, 2, ri.MaxRow)
	assert.EqualValues(t, 2, ri.ObjectCount)
	assert.NotEmpty(t, ri.ID)
}

func TestItemsSince(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Initialize("1.0"))
	require.NoError(t, b.PutObject("a", "2", 1, "text/plain", "x"))
	require.NoError(t, b.PutObject("b", "3", 1, "text/plain", "y"))
	require.NoError(t, b.DeleteObject("a", "4"))

	all, err := b.ItemsSince(-1, 100)
	require.NoError(t, err)
	require.Len(t, all, 2)
	// The tombstone replaced a's row, so it has the higher rowid.
	assert.Equal(t, "b", all[0].Name)
	assert.Equal(t, "a", all[1].Name)
	assert.Equal(t, 1, all[1].Deleted, "tombstones travel with replication")

	tail, err := b.ItemsSince(all[0].RowID, 100)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "a", tail[0].Name)

	none, err := b.ItemsSince(all[1].RowID, 100)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMergeSyncsAndSyncPoint(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Initialize("1.0"))

	point, err := b.SyncPoint("peer-1")
	require.NoError(t, err)
	assert.EqualValues(t, -1, point)

	require.NoError(t, b.MergeSyncs([]SyncRecord{{RemoteID: "peer-1", SyncPoint: 5}}))
	point, err = b.SyncPoint("peer-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, point)

	// Sync points only move forward.
	require.NoError(t, b.MergeSyncs([]SyncRecord{{RemoteID: "peer-1", SyncPoint: 3}}))
	point, err = b.SyncPoint("peer-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, point)

	require.NoError(t, b.MergeSyncs([]SyncRecord{{RemoteID: "peer-1", SyncPoint: 9}}))
	point, err = b.SyncPoint("peer-1")
	require.NoError(t, err)
	assert.EqualValues(t, 9, point)
}

func TestChexorSelfInverse(t *testing.T) {
	h1 := chexor(zeroHash, "obj", "0000000100.00000")
	assert.NotEqual(t, zeroHash, h1)

	// Folding the same pair twice removes it.
	assert.Equal(t, zeroHash, chexor(h1, "obj", "0000000100.00000"))

	// Order independent.
	a := chexor(chexor(zeroHash, "x", "1"), "y", "2")
	b := chexor(chexor(zeroHash, "y", "2"), "x", "1")
	assert.Equal(t, a, b)
}
