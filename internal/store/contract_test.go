package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/internal/store/storetest"
	"github.com/rendis/govflow/pkg/schema"
)

func openLibSQL(tb testing.TB) *store.LibSQLStore {
	tb.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(tb.TempDir(), "contract.db"))
	require.NoError(tb, err)
	require.NoError(tb, s.Migrate(context.Background()))
	tb.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQLStore_ActionContract(t *testing.T) {
	storetest.RunActionStoreContract(t, func(t *testing.T) store.ActionStore { return openLibSQL(t) })
}

func BenchmarkCASClaim(b *testing.B) {
	s := openLibSQL(b)
	ctx := context.Background()

	guids := make([]string, b.N)
	for i := range guids {
		a := storetest.NewAction(schema.ActionStatusApproved)
		require.NoError(b, s.CreateAction(ctx, a))
		guids[i] = a.GUID
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.CASUpdateStatus(ctx, guids[i], schema.ActionStatusApproved, "", schema.ActionStatusWaiting, "bench"); err != nil {
			b.Fatal(err)
		}
	}
}
