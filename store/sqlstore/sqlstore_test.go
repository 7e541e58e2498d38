package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calmirror/store"
	"github.com/cyp0633/calmirror/store/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), SQLite, filepath.Join(t.TempDir(), "calmirror.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTemp(t) })
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "calmirror.db")

	s, err := Open(ctx, SQLite, path, nil)
	require.NoError(t, err)
	storetest.SeedCollection(t, s, "work", "alice")
	ev := storetest.NewEvent("work", "a", 7)
	ev.AllDay = true
	ev.Resources = []string{"Room 1"}
	require.NoError(t, s.SaveEvent(ctx, &ev))
	require.NoError(t, s.ApplySync(ctx, "work", &store.SyncBatch{Cursor: mo.Some("tok")}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, SQLite, path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetEvent(ctx, "work", "a")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Sequence)
	assert.True(t, got.AllDay)
	assert.Equal(t, []string{"Room 1"}, got.Resources)

	col, err := s.GetCollection(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, mo.Some("tok"), col.Cursor)
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"": SQLite, "sqlite3": SQLite, "SQLite": SQLite, "mysql": MySQL} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("postgres")
	assert.Error(t, err)
}

func TestUpsertStatements(t *testing.T) {
	lite := SQLite.upsert("t", []string{"id"}, []string{"a", "b"})
	assert.Equal(t, "INSERT INTO t (id, a, b) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET a = excluded.a, b = excluded.b", lite)

	my := MySQL.upsert("t", []string{"id"}, []string{"a"})
	assert.Equal(t, "INSERT INTO t (id, a) VALUES (?, ?) ON DUPLICATE KEY UPDATE a = VALUES(a)", my)
}
