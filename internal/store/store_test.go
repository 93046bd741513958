package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/kiro-gateway/internal/store"
)

func backends(t *testing.T, ttl time.Duration) map[string]store.Store {
	t.Helper()
	sq, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), ttl)
	require.NoError(t, err)
	mem := store.NewMemoryStore(ttl)
	t.Cleanup(func() {
		_ = sq.Close()
		_ = mem.Close()
	})
	return map[string]store.Store{"memory": mem, "sqlite": sq}
}

func TestStore_SetGetDelete(t *testing.T) {
	for name, s := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			_, ok := s.Get("acct")
			assert.False(t, ok)

			require.NoError(t, s.Set("acct", `{"accessToken":"a"}`))
			v, ok := s.Get("acct")
			require.True(t, ok)
			assert.Equal(t, `{"accessToken":"a"}`, v)

			require.NoError(t, s.Set("acct", `{"accessToken":"b"}`))
			v, _ = s.Get("acct")
			assert.Equal(t, `{"accessToken":"b"}`, v)

			require.NoError(t, s.Delete("acct"))
			_, ok = s.Get("acct")
			assert.False(t, ok)
		})
	}
}

func TestStore_Expiry(t *testing.T) {
	for name, s := range backends(t, 20*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set("k", "v"))
			time.Sleep(50 * time.Millisecond)
			_, ok := s.Get("k")
			assert.False(t, ok)
		})
	}
}

func TestSQLiteStore_SharedBetweenHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := store.NewSQLiteStore(path, time.Hour)
	require.NoError(t, err)
	defer a.Close()
	b, err := store.NewSQLiteStore(path, time.Hour)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Set("acct", "from-a"))
	v, ok := b.Get("acct")
	require.True(t, ok)
	assert.Equal(t, "from-a", v)
}

func TestMemoryStore_ClosedIgnoresWrites(t *testing.T) {
	s := store.NewMemoryStore(time.Hour)
	require.NoError(t, s.Close())
	require.NoError(t, s.Set("k", "v"))
	_, ok := s.Get("k")
	assert.False(t, ok)
	require.NoError(t, s.Close())
}
