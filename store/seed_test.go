package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/store/memstore"
)

func TestSeed(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()

	events, err := store.Seed(ctx, s, "s1", "Personal", true)
	require.NoError(t, err)
	require.Len(t, events, len(store.SpecialFolders)+1)
	for _, ev := range events {
		assert.Equal(t, store.Inserted, ev.Kind)
	}

	rec, err := s.Get(ctx, store.Stores, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Personal", rec.Fields[store.FieldName])
	assert.Equal(t, true, rec.Fields[store.FieldDefaultStore])

	inbox, err := s.Get(ctx, store.Folders, "s1-inbox")
	require.NoError(t, err)
	assert.Equal(t, "Inbox", inbox.Fields[store.FieldName])
	assert.Equal(t, store.SpecialInbox, inbox.Fields[store.FieldSpecialFolder])
	assert.Equal(t, "s1", inbox.Fields[store.FieldStoreID])
	assert.Equal(t, int64(0), inbox.Fields[store.FieldCount])

	events, err = store.Seed(ctx, s, "s1", "Personal", true)
	require.NoError(t, err)
	assert.Equal(t, store.Updated, events[0].Kind)
}

func TestSeedRejectsEmptyStoreID(t *testing.T) {
	s := memstore.New()
	defer s.Close()

	_, err := store.Seed(context.Background(), s, "", "x", false)
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func TestSpecialFolderID(t *testing.T) {
	assert.Equal(t, "s1-deleted", store.SpecialFolderID("s1", store.SpecialDeleted))
}
