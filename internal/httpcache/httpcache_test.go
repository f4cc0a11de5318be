package httpcache_test

import (
	"testing"
	"time"

	. "github.com/pseudomuto/condamap/internal/httpcache"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	c, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	url := "https://conda.anaconda.org/conda-forge/noarch/repodata.json"

	_, ok, err := c.Get(url)
	require.NoError(t, err)
	require.False(t, ok)

	stored := &Entry{
		ETag:         `"abc"`,
		LastModified: "Wed, 21 Oct 2025 07:28:00 GMT",
		Body:         []byte(`{"packages": {}}`),
		StoredAt:     time.Date(2025, 10, 21, 7, 28, 0, 0, time.UTC),
	}
	require.NoError(t, c.Put(url, stored))

	got, ok, err := c.Get(url)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, stored.ETag, got.ETag)
	require.Equal(t, stored.LastModified, got.LastModified)
	require.Equal(t, stored.Body, got.Body)
	require.True(t, stored.StoredAt.Equal(got.StoredAt))
}

func TestCache_Persistent(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put("k", &Entry{ETag: "1", Body: []byte("v")}))
	require.NoError(t, c.Close())

	c, err = Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	got, ok, err := c.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got.Body)
}
