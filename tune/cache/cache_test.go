package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdate_AddsPendingRow(t *testing.T) {
	c, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	c.Update([]float64{1, 2, 3}, 1.0)
	c.Update([]float64{4, 5, 6}, 2.0)

	assert.Equal(t, 2, c.Pending())
	v, ok := c.Lookup([]float64{4, 5, 6})
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestUpdate_NewestObservationWins(t *testing.T) {
	// GIVEN a cached observation
	dir := t.TempDir()
	c, err := Open(dir, nil)
	require.NoError(t, err)
	c.Update([]float64{1, 2}, 0.5)

	// WHEN newer evidence for the same features arrives
	c.Update([]float64{1, 2}, 0.9)

	// THEN it supersedes the old row, both in memory and after a reload
	v, ok := c.Lookup([]float64{1, 2})
	require.True(t, ok)
	assert.Equal(t, 0.9, v)
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Save())
	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	v, _ = reopened.Lookup([]float64{1, 2})
	assert.Equal(t, 0.9, v)

	// AND evidence arriving after a reload still wins
	reopened.Update([]float64{1, 2}, 0.7)
	v, _ = reopened.Lookup([]float64{1, 2})
	assert.Equal(t, 0.7, v)
}

func TestUpdate_RepeatedLabelIsNotAppended(t *testing.T) {
	c, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	c.Update([]float64{1, 2, 3}, 1.0)
	c.Update([]float64{1, 2, 3}, 1.0)

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Pending())
}

func TestSave_PersistsAndReloads(t *testing.T) {
	// GIVEN a cache with pending rows
	dir := t.TempDir()
	c, err := Open(dir, []string{"batch", "tokens"})
	require.NoError(t, err)
	c.Update([]float64{8, 1024}, 0.031)
	c.Update([]float64{16, 2048}, 0.044)

	// WHEN saved
	require.NoError(t, c.Save())

	// THEN nothing is pending and a fresh Open sees the rows
	assert.Equal(t, 0, c.Pending())
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "batch,tokens,label")

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	assert.Equal(t, 0, reopened.Pending())
	v, ok := reopened.Lookup([]float64{16, 2048})
	require.True(t, ok)
	assert.Equal(t, 0.044, v)

	// AND later rows append to the persisted ones
	reopened.Update([]float64{32, 4096}, 0.07)
	require.NoError(t, reopened.Save())
	again, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Len())
}

func TestSave_NoPendingIsNoop(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, c.Save())

	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.True(t, os.IsNotExist(err))
}

func TestOpen_RejectsFileWithoutLabel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("a,b\n1,2\n"), 0o644))
	_, err := Open(dir, nil)
	assert.Error(t, err)
}
