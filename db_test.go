package blite

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitedb/blite/cbson"
	"github.com/blitedb/blite/changefeed"
	"github.com/blitedb/blite/checkpoint"
	"github.com/blitedb/blite/collection"
	"github.com/blitedb/blite/config"
	"github.com/blitedb/blite/storage"
	"github.com/blitedb/blite/txn"
)

func TestInsertReadSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.db")

	db, err := Open(path, config.WithPageSize(storage.PageSize16K))
	require.NoError(t, err)

	users, err := db.CreateCollection("users", collection.KeyTypeInt64)
	require.NoError(t, err)

	doc := cbson.NewDocument(
		cbson.Element{Name: "_id", Value: cbson.Int64Value(1)},
		cbson.Element{Name: "name", Value: cbson.StringValue("Alice")},
	)
	_, err = users.Insert(doc, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(path, config.WithPageSize(storage.PageSize16K))
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Collection("users")
	require.True(t, ok)

	out, found, err := got.Get(cbson.Int64Value(1), nil)
	require.NoError(t, err)
	require.True(t, found)
	v, ok := out.(*cbson.Document).Get("name")
	require.True(t, ok)
	require.Equal(t, "Alice", v.Str)
}

func TestAbortedTransactionLeavesNoTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	items, err := db.CreateCollection("items", collection.KeyTypeInt64)
	require.NoError(t, err)

	tx, err := db.Begin(txn.ReadCommitted)
	require.NoError(t, err)
	_, err = items.Insert(cbson.NewDocument(
		cbson.Element{Name: "_id", Value: cbson.Int64Value(1)},
	), tx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, found, err := items.Get(cbson.Int64Value(1), nil)
	require.NoError(t, err)
	require.False(t, found)
}

func TestCheckpointSurvivesManyTransactions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulk.db")
	db, err := Open(path, config.WithPageSize(storage.PageSize8K))
	require.NoError(t, err)

	orders, err := db.CreateCollection("orders", collection.KeyTypeInt64)
	require.NoError(t, err)

	const total = 10000
	const perTxn = 200
	id := int64(1)
	for batch := 0; batch < total/perTxn; batch++ {
		tx, err := db.Begin(txn.ReadCommitted)
		require.NoError(t, err)
		for i := 0; i < perTxn; i++ {
			_, err := orders.Insert(cbson.NewDocument(
				cbson.Element{Name: "_id", Value: cbson.Int64Value(id)},
				cbson.Element{Name: "label", Value: cbson.StringValue(fmt.Sprintf("order-%d", id))},
			), tx)
			require.NoError(t, err)
			id++
		}
		require.NoError(t, tx.Prepare())
		require.NoError(t, tx.Commit())
	}
	require.NoError(t, db.Checkpoint(checkpoint.Truncate))
	require.NoError(t, db.Close())

	reopened, err := Open(path, config.WithPageSize(storage.PageSize8K))
	require.NoError(t, err)
	defer reopened.Close()

	reopenedOrders, ok := reopened.Collection("orders")
	require.True(t, ok)

	count := 0
	require.NoError(t, reopenedOrders.Scan(func(interface{}) (bool, error) {
		count++
		return true, nil
	}))
	require.Equal(t, total, count)

	doc, found, err := reopenedOrders.Get(cbson.Int64Value(1), nil)
	require.NoError(t, err)
	require.True(t, found)
	v, _ := doc.(*cbson.Document).Get("label")
	require.Equal(t, "order-1", v.Str)
}

func TestChangeFeedDeliversInsertToSubscriber(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	docs, err := db.CreateCollection("docs", collection.KeyTypeObjectID)
	require.NoError(t, err)

	sub := db.Subscribe("docs", 4)
	defer sub.Cancel()

	_, err = docs.Insert(cbson.NewDocument(
		cbson.Element{Name: "title", Value: cbson.StringValue("hello")},
	), nil)
	require.NoError(t, err)

	change, ok := sub.Receive()
	require.True(t, ok)
	require.Equal(t, changefeed.OpInsert, change.Op)
	require.NotNil(t, change.DocID)
}
