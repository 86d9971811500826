package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return time.Unix(int64(p.next), 0).UTC().Format("20060102150405"), nil
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "audit.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Entry{}))

	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) },
		IDProvider: &sequenceIDProvider{},
	})
	require.NoError(t, err)
	return store
}

func TestStoreAppendMasksMetadata(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Append(ctx, Record{
		UserID:   "5",
		Provider: "epic",
		Action:   ActionCreated,
		Request: RequestMetadata{
			IPAddress: "203.0.113.7",
			UserAgent: "test-agent",
			Extra:     map[string]interface{}{"password": "hunter2", "token": "abcdefghijkl"},
		},
	})
	require.NoError(t, err)

	entries, err := store.List(ctx, "5", "epic")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, ActionCreated, entry.Action)
	assert.Equal(t, "203.0.113.7", entry.IPAddress)
	assert.Equal(t, "test-agent", entry.UserAgent)
	assert.NotContains(t, entry.MetadataJSON, "hunter2")
	assert.NotContains(t, entry.MetadataJSON, "abcdefghijkl")

	var metadata map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(entry.MetadataJSON), &metadata))
	assert.Equal(t, "***", metadata["request"]["password"])
	assert.Equal(t, "ab...kl", metadata["request"]["token"])
}

func TestStoreListPreservesInsertionOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, action := range []Action{ActionCreated, ActionUpdated, ActionVerified} {
		require.NoError(t, store.Append(ctx, Record{UserID: "5", Provider: "epic", Action: action}))
	}
	require.NoError(t, store.Append(ctx, Record{UserID: "5", Provider: "gog", Action: ActionDeleted}))

	entries, err := store.List(ctx, "5", "epic")
	require.NoError(t, err)
	actions := make([]Action, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	assert.Equal(t, []Action{ActionCreated, ActionUpdated, ActionVerified}, actions)

	all, err := store.List(ctx, "5", "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStoreAppendRejectsIncompleteRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.Append(ctx, Record{Provider: "epic", Action: ActionCreated}))
	assert.Error(t, store.Append(ctx, Record{UserID: "5", Provider: "epic"}))
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore(StoreConfig{})
	assert.Error(t, err)
}
