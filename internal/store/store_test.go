package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type record struct {
	Name string `json:"name"`
}

func TestGetPut(t *testing.T) {
	st := openTestStore(t)

	var out record
	err := st.Cameras().Get("C1", &out)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Cameras().Put("C1", &record{Name: "porch"}))
	require.NoError(t, st.Cameras().Get("C1", &out))
	assert.Equal(t, "porch", out.Name)
}

func TestCollectionsAreIsolated(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Cameras().Put("k", &record{Name: "camera"}))
	require.NoError(t, st.Motion().Put("k", &record{Name: "motion"}))

	var out record
	require.NoError(t, st.Cameras().Get("k", &out))
	assert.Equal(t, "camera", out.Name)
	require.NoError(t, st.Motion().Get("k", &out))
	assert.Equal(t, "motion", out.Name)

	var keys []string
	err := st.Settings().Ascend(Bounds{}, func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return false, nil
	})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAscendBounds(t *testing.T) {
	st := openTestStore(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, st.Motion().Put(fmt.Sprintf("%013d", i), &record{}))
	}

	keys, err := st.Motion().Keys(Bounds{GT: fmt.Sprintf("%013d", 2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000000003", "0000000000004", "0000000000005"}, keys)

	keys, err = st.Motion().Keys(Bounds{GTE: "0000000000002", LTE: "0000000000004"})
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000000002", "0000000000003", "0000000000004"}, keys)
}

func TestDescend(t *testing.T) {
	st := openTestStore(t)
	for i := 1; i <= 4; i++ {
		require.NoError(t, st.Motion().Put(fmt.Sprintf("%013d", i), &record{}))
	}

	var keys []string
	err := st.Motion().Descend(Bounds{LT: "0000000000004"}, func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000000003", "0000000000002", "0000000000001"}, keys)
}

func TestDescendEarlyStop(t *testing.T) {
	st := openTestStore(t)
	for i := 1; i <= 10; i++ {
		require.NoError(t, st.Motion().Put(fmt.Sprintf("%013d", i), &record{}))
	}

	var keys []string
	err := st.Motion().Descend(Bounds{}, func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return len(keys) >= 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000000010", "0000000000009"}, keys)
}

func TestDeleteBatch(t *testing.T) {
	st := openTestStore(t)
	for i := 1; i <= 3; i++ {
		require.NoError(t, st.Motion().Put(fmt.Sprintf("%013d", i), &record{}))
	}

	require.NoError(t, st.Motion().DeleteBatch([]string{"0000000000001", "0000000000003", "missing"}))

	keys, err := st.Motion().Keys(Bounds{})
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000000002"}, keys)
}

func TestSub(t *testing.T) {
	st := openTestStore(t)
	sub := st.Settings().Sub("filters")
	require.NoError(t, sub.Put("person", &record{Name: "0.5"}))

	keys, err := st.Settings().Keys(Bounds{})
	require.NoError(t, err)
	assert.Equal(t, []string{"filters:person"}, keys)
}
