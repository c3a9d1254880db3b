package collection

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitedb/blite/cbson"
	"github.com/blitedb/blite/changefeed"
	"github.com/blitedb/blite/storage"
	"github.com/blitedb/blite/txn"
	"github.com/blitedb/blite/wal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	pf, err := storage.OpenMemory(storage.CreateOptions{PageSize: storage.PageSize8K})
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })

	dir := t.TempDir()
	w, err := wal.Open(filepath.Join(dir, "test.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	schema := cbson.NewFieldSchema()
	txnMgr := txn.NewManager(w)
	feed := changefeed.NewDispatcher()

	mgr, err := Open(pf, schema, txnMgr, feed, Options{})
	require.NoError(t, err)
	return mgr
}

func docWithInt64ID(id int64, name string) *cbson.Document {
	return cbson.NewDocument(
		cbson.Element{Name: "_id", Value: cbson.Int64Value(id)},
		cbson.Element{Name: "name", Value: cbson.StringValue(name)},
	)
}

func TestInsertGetRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	c, err := mgr.Create("users", KeyTypeInt64)
	require.NoError(t, err)

	_, err = c.Insert(docWithInt64ID(1, "Alice"), nil)
	require.NoError(t, err)

	got, ok, err := c.Get(cbson.Int64Value(1), nil)
	require.NoError(t, err)
	require.True(t, ok)
	doc := got.(*cbson.Document)
	v, ok := doc.Get("name")
	require.True(t, ok)
	require.Equal(t, "Alice", v.Str)
}

func TestBulkInsertAndRange(t *testing.T) {
	mgr := newTestManager(t)
	c, err := mgr.Create("items", KeyTypeInt64)
	require.NoError(t, err)

	for i := int64(1); i <= 1000; i++ {
		_, err := c.Insert(docWithInt64ID(i, fmt.Sprintf("item-%d", i)), nil)
		require.NoError(t, err)
	}

	min := cbson.Int64Value(250)
	max := cbson.Int64Value(500)
	docs, err := c.Range(&min, &max, nil)
	require.NoError(t, err)
	require.Len(t, docs, 251)

	firstID, _ := docs[0].(*cbson.Document).Get("_id")
	lastID, _ := docs[len(docs)-1].(*cbson.Document).Get("_id")
	require.Equal(t, int64(250), firstID.Int64)
	require.Equal(t, int64(500), lastID.Int64)
}

func TestDuplicateKeyLeavesTransactionActive(t *testing.T) {
	mgr := newTestManager(t)
	c, err := mgr.Create("users", KeyTypeInt64)
	require.NoError(t, err)

	_, err = c.Insert(docWithInt64ID(1, "Alice"), nil)
	require.NoError(t, err)

	tx, err := mgr.txnMgr.Begin(txn.ReadCommitted)
	require.NoError(t, err)
	_, err = c.Insert(docWithInt64ID(1, "Bob"), tx)
	require.Error(t, err)
	require.Equal(t, txn.StateActive, tx.State())
	require.NoError(t, tx.Rollback())

	count := 0
	require.NoError(t, c.Scan(func(interface{}) (bool, error) { count++; return true, nil }))
	require.Equal(t, 1, count)
}

func TestOverflowDocumentRoundTrips(t *testing.T) {
	mgr := newTestManager(t)
	c, err := mgr.Create("blobs", KeyTypeInt64)
	require.NoError(t, err)

	big := make([]byte, 2*mgr.pf.PageSize()+100)
	seed := uint32(0x9e3779b9)
	for i := range big {
		seed = seed*1664525 + 1013904223
		big[i] = byte(seed >> 24)
	}
	doc := cbson.NewDocument(
		cbson.Element{Name: "_id", Value: cbson.Int64Value(1)},
		cbson.Element{Name: "blob", Value: cbson.BinaryValue(0, big)},
	)
	_, err = c.Insert(doc, nil)
	require.NoError(t, err)

	got, ok, err := c.Get(cbson.Int64Value(1), nil)
	require.NoError(t, err)
	require.True(t, ok)
	v, ok := got.(*cbson.Document).Get("blob")
	require.True(t, ok)
	require.Equal(t, big, v.Bin)
}

func TestUpdateRelocatesWhenLarger(t *testing.T) {
	mgr := newTestManager(t)
	c, err := mgr.Create("users", KeyTypeInt64)
	require.NoError(t, err)

	_, err = c.Insert(docWithInt64ID(1, "A"), nil)
	require.NoError(t, err)

	longName := ""
	for i := 0; i < 500; i++ {
		longName += "x"
	}
	require.NoError(t, c.Update(docWithInt64ID(1, longName), nil))

	got, ok, err := c.Get(cbson.Int64Value(1), nil)
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := got.(*cbson.Document).Get("name")
	require.Equal(t, longName, v.Str)
}

func TestDeleteRemovesFromScanAndIndex(t *testing.T) {
	mgr := newTestManager(t)
	c, err := mgr.Create("users", KeyTypeInt64)
	require.NoError(t, err)

	_, err = c.Insert(docWithInt64ID(1, "A"), nil)
	require.NoError(t, err)
	require.NoError(t, c.Delete(cbson.Int64Value(1), nil))

	_, ok, err := c.Get(cbson.Int64Value(1), nil)
	require.NoError(t, err)
	require.False(t, ok)

	count := 0
	require.NoError(t, c.Scan(func(interface{}) (bool, error) { count++; return true, nil }))
	require.Equal(t, 0, count)
}

func TestSecondaryIndexBackfillAndLookup(t *testing.T) {
	mgr := newTestManager(t)
	c, err := mgr.Create("users", KeyTypeInt64)
	require.NoError(t, err)

	_, err = c.Insert(docWithInt64ID(1, "Alice"), nil)
	require.NoError(t, err)
	_, err = c.Insert(docWithInt64ID(2, "Bob"), nil)
	require.NoError(t, err)

	require.NoError(t, c.CreateIndex("name", true))

	idx := c.secondary["name"]
	key, err := EncodeKey(KeyTypeString, cbson.StringValue("Bob"))
	require.NoError(t, err)
	loc, found, err := idx.tree.Seek(key, nil)
	require.NoError(t, err)
	require.True(t, found)

	raw, err := c.readAt(loc, nil)
	require.NoError(t, err)
	doc, err := c.mapper.Decode(raw, mgr.schema)
	require.NoError(t, err)
	v, _ := doc.(*cbson.Document).Get("_id")
	require.Equal(t, int64(2), v.Int64)
}

func TestCreateCollectionTwiceFails(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Create("dup", KeyTypeInt64)
	require.NoError(t, err)
	_, err = mgr.Create("dup", KeyTypeInt64)
	require.ErrorIs(t, err, ErrExists)
}

func TestCatalogSurvivesManagerReopen(t *testing.T) {
	mgr := newTestManager(t)
	c, err := mgr.Create("users", KeyTypeInt64)
	require.NoError(t, err)
	_, err = c.Insert(docWithInt64ID(1, "Alice"), nil)
	require.NoError(t, err)

	reopened, err := Open(mgr.pf, mgr.schema, mgr.txnMgr, mgr.feed, Options{})
	require.NoError(t, err)
	c2, ok := reopened.Collection("users")
	require.True(t, ok)

	got, ok, err := c2.Get(cbson.Int64Value(1), nil)
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := got.(*cbson.Document).Get("name")
	require.Equal(t, "Alice", v.Str)
}
