package blob

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/mundo/errors"
)

func stores(t *testing.T) map[string]*Store {
	disk, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return map[string]*Store{"disk": disk, "mem": NewMemStore()}
}

func TestPutOpenDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := Join(PendingPrefix, "world_abc.zip")

			n, err := s.Put(key, strings.NewReader("PK\x03\x04 hola"))
			require.NoError(t, err)
			assert.EqualValues(t, 9, n)

			ok, err := s.Exists(key)
			require.NoError(t, err)
			assert.True(t, ok)

			f, err := s.Open(key)
			require.NoError(t, err)
			data, err := io.ReadAll(f)
			f.Close()
			require.NoError(t, err)
			assert.Equal(t, "PK\x03\x04 hola", string(data))

			info, err := s.Stat(key)
			require.NoError(t, err)
			assert.EqualValues(t, 9, info.Size)
			assert.False(t, info.IsDir)

			require.NoError(t, s.Delete(key))
			require.NoError(t, s.Delete(key), "deleting twice is fine")

			ok, err = s.Exists(key)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Open(key)
			assert.True(t, errors.Is(err, ErrNotExist))
			assert.True(t, errors.IsNotFoundError(err))
		})
	}
}

func TestListSkipsPartialAndSorts(t *testing.T) {
	s := NewMemStore()
	for _, k := range []string{"chunks/u1/2.part", "chunks/u1/0.part", "chunks/u1/10.part"} {
		_, err := s.Put(k, strings.NewReader("x"))
		require.NoError(t, err)
	}
	f, err := s.Fs().Create("chunks/u1/3.part.partial")
	require.NoError(t, err)
	f.Close()

	entries, err := s.List("chunks/u1")
	require.NoError(t, err)

	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"chunks/u1/0.part", "chunks/u1/10.part", "chunks/u1/2.part"}, keys,
		"List sorts lexically; numeric ordering is the caller's job")

	missing, err := s.List("chunks/none")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestDeleteDir(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put("extract/job-1/region/r.0.0.mca", strings.NewReader("data"))
			require.NoError(t, err)

			require.NoError(t, s.DeleteDir("extract/job-1"))
			ok, err := s.Exists("extract/job-1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.DeleteDir("extract/never-existed"))
		})
	}
}

func TestKeysCannotEscapeRoot(t *testing.T) {
	s := NewMemStore()
	for _, key := range []string{"", ".", "..", "../etc/passwd", "a/../../b", "/abs/path"} {
		_, err := s.Put(key, strings.NewReader("x"))
		assert.Error(t, err, "key %q should be rejected", key)
	}

	_, err := s.Put("a/../b.zip", strings.NewReader("x"))
	assert.NoError(t, err, "traversal that stays inside the root is normalized")
	ok, _ := s.Exists("b.zip")
	assert.True(t, ok)
}

func TestLocalPath(t *testing.T) {
	root := t.TempDir()
	s, err := NewDiskStore(root)
	require.NoError(t, err)

	_, err = s.Put("mundos_procesados/world_comprimido.zip", strings.NewReader("zip"))
	require.NoError(t, err)

	p, err := s.LocalPath("mundos_procesados/world_comprimido.zip")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "mundos_procesados", "world_comprimido.zip"), p)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "zip", string(data))

	_, err = NewMemStore().LocalPath("x")
	assert.Error(t, err)
}
