package response

import (
	"context"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
	"github.com/MLidstrom/Castellan-sub009/internal/store"
)

func actionStores(t *testing.T) map[string]ActionStore {
	t.Helper()
	db, err := store.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlStore, err := NewSQLActionStore(context.Background(), db)
	require.NoError(t, err)

	return map[string]ActionStore{
		"sql":    sqlStore,
		"memory": NewMemoryActionStore(),
	}
}

func sampleAction(id, conversationID string, status core.ActionStatus, suggestedAt time.Time) *core.ActionExecution {
	return &core.ActionExecution{
		ID:             id,
		ConversationID: conversationID,
		Type:           ActionBlockIP,
		ActionData:     map[string]interface{}{"ip": "10.0.0.1"},
		Status:         status,
		SuggestedAt:    suggestedAt,
	}
}

func TestActionStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range actionStores(t) {
		t.Run(name, func(t *testing.T) {
			at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
			action := sampleAction("a1", "conv-1", core.ActionPending, at)
			require.NoError(t, s.Save(ctx, action))

			got, err := s.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "conv-1", got.ConversationID)
			assert.Equal(t, core.ActionPending, got.Status)
			assert.True(t, got.SuggestedAt.Equal(at))

			// Save with the same id overwrites.
			action.Status = core.ActionExecuted
			require.NoError(t, s.Save(ctx, action))
			got, err = s.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, core.ActionExecuted, got.Status)
		})
	}
}

func TestActionStoreGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range actionStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "no-such-action")
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestActionStoreListByStatus(t *testing.T) {
	ctx := context.Background()
	for name, s := range actionStores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				require.NoError(t, s.Save(ctx, sampleAction(
					fmt.Sprintf("p%d", i), "conv-1", core.ActionPending, base.Add(time.Duration(i)*time.Minute))))
			}
			require.NoError(t, s.Save(ctx, sampleAction("x1", "conv-1", core.ActionExecuted, base)))

			pending, err := s.ListByStatus(ctx, core.ActionPending)
			require.NoError(t, err)
			require.Len(t, pending, 3)
			for i := 1; i < len(pending); i++ {
				assert.False(t, pending[i].SuggestedAt.Before(pending[i-1].SuggestedAt), "pending list is oldest first")
			}
		})
	}
}

func TestActionStoreListByConversation(t *testing.T) {
	ctx := context.Background()
	for name, s := range actionStores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				require.NoError(t, s.Save(ctx, sampleAction(
					fmt.Sprintf("a%d", i), "conv-1", core.ActionPending, base.Add(time.Duration(i)*time.Minute))))
			}
			require.NoError(t, s.Save(ctx, sampleAction("other", "conv-2", core.ActionPending, base)))

			history, err := s.ListByConversation(ctx, "conv-1", 3)
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, "a4", history[0].ID, "history is newest first")
			for _, a := range history {
				assert.Equal(t, "conv-1", a.ConversationID)
			}
		})
	}
}

func TestActionStoreCountPending(t *testing.T) {
	ctx := context.Background()
	for name, s := range actionStores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
			require.NoError(t, s.Save(ctx, sampleAction("a1", "conv-1", core.ActionPending, base)))
			require.NoError(t, s.Save(ctx, sampleAction("a2", "conv-1", core.ActionExecuted, base)))
			require.NoError(t, s.Save(ctx, sampleAction("a3", "conv-2", core.ActionPending, base)))

			n, err := s.CountPending(ctx, "conv-1")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}
