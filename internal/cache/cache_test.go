package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores builds one of each Store implementation for table-driven tests.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestStoreBasics(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "k", "v1"))
			v, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v1", v)

			// Overwrite.
			require.NoError(t, s.Set(ctx, "k", "v2"))
			v, _, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", v)

			// Empty value is a present value, not a deletion.
			require.NoError(t, s.Set(ctx, "empty", ""))
			v, ok, err = s.Get(ctx, "empty")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Empty(t, v)

			require.NoError(t, s.Delete(ctx, "k"))
			_, ok, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)

			// Deleting an absent key is a no-op.
			require.NoError(t, s.Delete(ctx, "k"))

			all, err := s.All(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"empty": ""}, all)
		})
	}
}

func TestGetOrSetRunsGeneratorOnce(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			gen := func(context.Context) (string, error) {
				calls.Add(1)
				return "generated", nil
			}

			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					v, err := s.GetOrSet(ctx, "tok", gen)
					assert.NoError(t, err)
					assert.Equal(t, "generated", v)
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), calls.Load())

			// Subsequent calls hit the stored value.
			v, err := s.GetOrSet(ctx, "tok", gen)
			require.NoError(t, err)
			assert.Equal(t, "generated", v)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestGetOrSetGeneratorError(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetOrSet(ctx, "bad", func(context.Context) (string, error) {
				return "", fmt.Errorf("upstream down")
			})
			require.Error(t, err)

			// Nothing stored; a later generator can succeed.
			v, err := s.GetOrSet(ctx, "bad", func(context.Context) (string, error) {
				return "recovered", nil
			})
			require.NoError(t, err)
			assert.Equal(t, "recovered", v)
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "android_id", "1234567890"))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(ctx, "android_id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1234567890", v)
}
