package archive

import (
	"archive/tar"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/mundo/errors"
)

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"world.zip":            FormatZip,
		"World.ZIP":            FormatZip,
		"survival.tar":         FormatTar,
		"survival.tar.gz":      FormatTarGz,
		"survival.tgz":         FormatTarGz,
		"survival.tar.bz2":     FormatTarBz2,
		"survival.tbz2":        FormatTarBz2,
		"my.world.v2.tar.gz":   FormatTarGz,
		"/abs/path/world.zip":  FormatZip,
	}
	for name, want := range cases {
		got, err := DetectFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	for _, bad := range []string{"world.rar", "world.gz", "world", ".zip", "world.7z"} {
		_, err := DetectFormat(bad)
		assert.True(t, errors.Is(err, ErrUnsupportedFormat), bad)
	}
}

func TestSplitExt(t *testing.T) {
	cases := []struct{ in, base, ext string }{
		{"world.zip", "world", "zip"},
		{"Mi Mundo.tar.gz", "Mi Mundo", "tar.gz"},
		{"my.world.tar.bz2", "my.world", "tar.bz2"},
		{"snap.tgz", "snap", "tar.gz"},
		{"a.TAR", "a", "tar"},
	}
	for _, c := range cases {
		base, ext, err := SplitExt(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.base, base, c.in)
		assert.Equal(t, c.ext, ext, c.in)
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func TestCreateAndExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"level.dat":        "level",
		"region/r.0.0.mca": "region data",
		"data/raids.dat":   "raids",
	})

	zipPath := filepath.Join(t.TempDir(), "out", "world_comprimido.zip")
	size, err := Create(src, zipPath, "MiMundo")
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	names, err := List(zipPath)
	require.NoError(t, err)
	sort.Strings(names)
	assert.Contains(t, names, "MiMundo/level.dat")
	assert.Contains(t, names, "MiMundo/region/r.0.0.mca")
	for _, n := range names {
		assert.Regexp(t, `^MiMundo/`, n, "every entry sits under the root folder")
	}

	dst := t.TempDir()
	require.NoError(t, Extract(zipPath, dst, Limits{}))
	data, err := os.ReadFile(filepath.Join(dst, "MiMundo", "region", "r.0.0.mca"))
	require.NoError(t, err)
	assert.Equal(t, "region data", string(data))

	_, err = os.Stat(zipPath + ".partial")
	assert.True(t, os.IsNotExist(err), "temporary file is renamed away")
}

func TestCreateKeepsRootInsideArchive(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"level.dat": "level"})

	tests := map[string]string{
		"../../evil":      "evil",
		"/abs/castle":     "abs/castle",
		`..\..\windows`:   "windows",
		"castle/../../up": "up",
		"..":              "",
	}
	for rootName, want := range tests {
		t.Run(rootName, func(t *testing.T) {
			zipPath := filepath.Join(t.TempDir(), "out.zip")
			_, err := Create(src, zipPath, rootName)
			require.NoError(t, err)

			names, err := List(zipPath)
			require.NoError(t, err)
			for _, n := range names {
				assert.NotContains(t, n, "..", "entry %q escapes the archive", n)
				assert.False(t, strings.HasPrefix(n, "/"), "entry %q is absolute", n)
			}
			wantEntry := "level.dat"
			if want != "" {
				wantEntry = want + "/level.dat"
			}
			assert.Contains(t, names, wantEntry)
		})
	}
}

func TestExtractTarGz(t *testing.T) {
	src := filepath.Join(t.TempDir(), "world.tar.gz")
	f, err := os.Create(src)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range map[string]string{"Survival/level.dat": "lvl", "Survival/region/r.1.1.mca": "mca"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	dst := t.TempDir()
	require.NoError(t, Extract(src, dst, Limits{}))

	data, err := os.ReadFile(filepath.Join(dst, "Survival", "level.dat"))
	require.NoError(t, err)
	assert.Equal(t, "lvl", string(data))
}

func TestExtractRejectsCorruptArchive(t *testing.T) {
	src := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(src, []byte("this is not a zip file at all"), 0644))

	err := Extract(src, t.TempDir(), Limits{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.zip")
}

func TestExtractMissingSource(t *testing.T) {
	err := Extract(filepath.Join(t.TempDir(), "gone.zip"), t.TempDir(), Limits{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not readable")
}

func TestExtractEnforcesFileLimit(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a": "1", "b": "2", "c": "3"})
	zipPath := filepath.Join(t.TempDir(), "many.zip")
	_, err := Create(src, zipPath, "")
	require.NoError(t, err)

	err = Extract(zipPath, t.TempDir(), Limits{MaxFiles: 2})
	assert.Error(t, err)
}

func TestCreateRejectsMissingSource(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "x.zip"), "root")
	assert.Error(t, err)
}
