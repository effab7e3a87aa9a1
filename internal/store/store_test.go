package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tvyaml "github.com/msageha/taskvault/internal/yaml"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"fs", func(t *testing.T) Store {
			s, err := OpenFS(filepath.Join(t.TempDir(), "records"), "intake", "scored")
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func TestStore_CreateReadReplaceDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Create(ctx, "intake", "task_1", []byte("v: 1\n")))
		err := s.Create(ctx, "intake", "task_1", []byte("v: 2\n"))
		require.ErrorIs(t, err, ErrAlreadyExists)

		data, err := s.Read(ctx, "intake", "task_1")
		require.NoError(t, err)
		assert.Equal(t, "v: 1\n", string(data))

		require.NoError(t, s.Replace(ctx, "intake", "task_1", []byte("v: 3\n")))
		data, err = s.Read(ctx, "intake", "task_1")
		require.NoError(t, err)
		assert.Equal(t, "v: 3\n", string(data))

		require.ErrorIs(t, s.Replace(ctx, "scored", "task_1", []byte("v: 4\n")), ErrNotFound)

		require.NoError(t, s.Delete(ctx, "intake", "task_1"))
		_, err = s.Read(ctx, "intake", "task_1")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.Delete(ctx, "intake", "task_1"), ErrNotFound)
	})
}

func TestStore_RejectsBadKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		assert.Error(t, s.Create(ctx, "intake", "../escape", []byte("v: 1\n")))
		assert.Error(t, s.Create(ctx, "Bad/Coll", "task_1", []byte("v: 1\n")))
	})
}

func TestStore_Move(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, "intake", "task_1", []byte("v: 1\n")))

		require.NoError(t, s.Move(ctx, "task_1", "intake", "scored"))

		_, err := s.Read(ctx, "intake", "task_1")
		require.ErrorIs(t, err, ErrNotFound, "record must leave the source collection")
		data, err := s.Read(ctx, "scored", "task_1")
		require.NoError(t, err)
		assert.Equal(t, "v: 1\n", string(data))

		// Second mover loses: the record is no longer in the source.
		require.ErrorIs(t, s.Move(ctx, "task_1", "intake", "scored"), ErrNotFound)
	})
}

func TestStore_MoveDoesNotClobber(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, "intake", "task_1", []byte("v: old\n")))
		require.NoError(t, s.Create(ctx, "scored", "task_1", []byte("v: new\n")))

		require.ErrorIs(t, s.Move(ctx, "task_1", "intake", "scored"), ErrAlreadyExists)

		data, err := s.Read(ctx, "scored", "task_1")
		require.NoError(t, err)
		assert.Equal(t, "v: new\n", string(data))
		_, err = s.Read(ctx, "intake", "task_1")
		require.NoError(t, err, "failed move must leave the source untouched")
	})
}

func TestStore_ConcurrentClaimSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, "intake", "task_1", []byte("v: 1\n")))

		var wins, lost atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Move(ctx, "task_1", "intake", "scored")
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrNotFound):
					lost.Add(1)
				default:
					t.Errorf("unexpected move error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, wins.Load())
		assert.EqualValues(t, 15, lost.Load())
	})
}

func TestStore_ListNoDuplicates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var want []string
		for i := 0; i < 250; i++ {
			id := fmt.Sprintf("task_%04d", i)
			want = append(want, id)
			require.NoError(t, s.Create(ctx, "intake", id, []byte("v: 1\n")))
		}

		got, err := ListAll(ctx, s, "intake")
		require.NoError(t, err)
		sort.Strings(got)
		assert.Equal(t, want, got)

		empty, err := ListAll(ctx, s, "scored")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_ListEarlyStopAndMutation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			require.NoError(t, s.Create(ctx, "intake", fmt.Sprintf("task_%02d", i), []byte("v: 1\n")))
		}

		// Moving records out while iterating must not report any id twice.
		seen := map[string]int{}
		for id, err := range s.List(ctx, "intake") {
			require.NoError(t, err)
			seen[id]++
			_ = s.Move(ctx, id, "intake", "scored")
		}
		for id, n := range seen {
			assert.Equal(t, 1, n, "id %s reported %d times", id, n)
		}

		count := 0
		for range s.List(ctx, "scored") {
			count++
			if count == 3 {
				break
			}
		}
		assert.Equal(t, 3, count)
	})
}

func TestStore_Locate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, "scored", "task_1", []byte("v: 1\n")))

		c, err := Locate(ctx, s, "task_1", "intake", "scored")
		require.NoError(t, err)
		assert.Equal(t, "scored", c)

		_, err = Locate(ctx, s, "task_2", "intake", "scored")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFS_RecoverRemovesTempFiles(t *testing.T) {
	root := filepath.Join(t.TempDir(), "records")
	s, err := OpenFS(root, "intake")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "intake", "task_1", []byte("v: 1\n")))

	// Simulate a crash after the temp write but before the link.
	stray := filepath.Join(root, "intake", tvyaml.TempPrefix+"123")
	require.NoError(t, os.WriteFile(stray, []byte("v: partial\n"), 0644))

	ids, err := ListAll(ctx, s, "intake")
	require.NoError(t, err)
	assert.Equal(t, []string{"task_1"}, ids, "temp files are never listed")

	report, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TempFilesRemoved)
	_, err = os.Stat(stray)
	assert.True(t, os.IsNotExist(err))

	report, err = s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.TempFilesRemoved, "recover is idempotent")
}

func TestSQLite_Recover(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recover(context.Background())
	require.NoError(t, err)
}

func TestQuarantine(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, "intake", "task_1", []byte("v: 1\n")))

		qid, err := Quarantine(ctx, s, "intake", "task_1", fixedNow)
		require.NoError(t, err)

		_, err = s.Read(ctx, "intake", "task_1")
		require.ErrorIs(t, err, ErrNotFound)
		data, err := s.Read(ctx, "quarantine", qid)
		require.NoError(t, err)
		assert.Equal(t, "v: 1\n", string(data))
	})
}

func TestQuarantine_WrapsUnparseableRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFS(dir, "scored", "quarantine")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scored", "task_1.yaml"), []byte("::: [broken"), 0o644))

	qid, err := Quarantine(ctx, s, "scored", "task_1", fixedNow)
	require.NoError(t, err)
	data, err := s.Read(ctx, "quarantine", qid)
	require.NoError(t, err)
	assert.Contains(t, string(data), "origin: scored/task_1")
	assert.Contains(t, string(data), "::: [broken")
}
