package condapkg_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	. "github.com/pseudomuto/condamap/internal/condapkg"
	"github.com/stretchr/testify/require"
)

const pathsJSON = `{
  "paths": [
    {"_path": "lib/python3.12/site-packages/numpy/__init__.py"},
    {"_path": "lib/python3.12/site-packages/numpy/__pycache__/__init__.cpython-312.pyc"},
    {"_path": "lib/python3.12/site-packages/numpy-1.26.4.dist-info/METADATA"},
    {"_path": "lib/python3.12/site-packages/numpy-1.26.4.dist-info/LICENSE.txt"}
  ],
  "paths_version": 1
}`

const metaYAML = `package:
  name: numpy
  version: 1.26.4
source:
  - url: https://github.com/numpy/numpy/releases/download/v1.26.4/numpy-1.26.4.tar.gz
    sha256: 2a02aba9ed12e4ac4eb3ea9421c420301a0c6460d9830d74a9df87efa4912010
`

func infoFiles() map[string]string {
	return map[string]string{
		"info/index.json":       `{"name": "numpy", "version": "1.26.4", "build": "py312h8753938_0", "subdir": "linux-64"}`,
		"info/about.json":       `{"home": "https://numpy.org", "license": "BSD-3-Clause"}`,
		"info/paths.json":       pathsJSON,
		"info/recipe/meta.yaml": metaYAML,
		"info/test/run_test.py": "import numpy",
		"info/licenses/LICENSE": "BSD",
	}
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func condaArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	info := enc.EncodeAll(tarball(t, files), nil)
	payload := enc.EncodeAll(tarball(t, map[string]string{"lib/x.so": "x"}), nil)
	require.NoError(t, enc.Close())

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("metadata.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"conda_pkg_format_version": 2}`))
	require.NoError(t, err)

	w, err = zw.Create("pkg-numpy-1.26.4-py312h8753938_0.tar.zst")
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)

	w, err = zw.Create("info-numpy-1.26.4-py312h8753938_0.tar.zst")
	require.NoError(t, err)
	_, err = w.Write(info)
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func requireNumpy(t *testing.T, pkg *Package) {
	t.Helper()

	require.Equal(t, "numpy", pkg.Name)
	require.Equal(t, "1.26.4", pkg.Version)
	require.Equal(t, "linux-64", pkg.Index["subdir"])
	require.Equal(t, "https://numpy.org", pkg.About["home"])
	require.Equal(t, []string{
		"lib/python3.12/site-packages/numpy/__init__.py",
		"lib/python3.12/site-packages/numpy-1.26.4.dist-info/METADATA",
	}, pkg.Files)
	require.Equal(t, []string{
		"https://github.com/numpy/numpy/releases/download/v1.26.4/numpy-1.26.4.tar.gz",
	}, pkg.SourceURLs)
}

func TestReadConda(t *testing.T) {
	data := condaArchive(t, infoFiles())

	pkg, err := ReadConda(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	requireNumpy(t, pkg)
}

func TestReadConda_NoInfoTarball(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("metadata.json")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = ReadConda(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.ErrorIs(t, err, ErrNoIndex)
}

func TestReadConda_LegacyFiles(t *testing.T) {
	files := infoFiles()
	delete(files, "info/paths.json")
	files["info/files"] = "lib/python3.12/site-packages/six.py\nlib/python3.12/site-packages/six-1.16.0.dist-info/METADATA\nlib/python3.12/site-packages/six-1.16.0.dist-info/top_level.txt\n"

	data := condaArchive(t, files)
	pkg, err := ReadConda(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, []string{
		"lib/python3.12/site-packages/six.py",
		"lib/python3.12/site-packages/six-1.16.0.dist-info/METADATA",
	}, pkg.Files)
}

func TestReadConda_OversizedInfoFile(t *testing.T) {
	SetMaxInfoFile(t, int64(len(pathsJSON)-1))

	// A legacy files list must not stand in for a paths.json that was cut short.
	files := infoFiles()
	files["info/files"] = "lib/python3.12/site-packages/numpy/__init__.py\n"

	data := condaArchive(t, files)
	_, err := ReadConda(bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, ErrInfoTooLarge)
	require.ErrorContains(t, err, "info/paths.json")
}

func TestReadConda_InfoFileAtLimit(t *testing.T) {
	SetMaxInfoFile(t, int64(len(pathsJSON)))

	data := condaArchive(t, infoFiles())
	pkg, err := ReadConda(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	requireNumpy(t, pkg)
}

func TestRecipe(t *testing.T) {
	t.Run("templated recipe is ignored", func(t *testing.T) {
		files := infoFiles()
		files["info/recipe/meta.yaml"] = "package:\n  name: {{ name }}\n"

		data := condaArchive(t, files)
		pkg, err := ReadConda(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		require.Nil(t, pkg.Recipe)
		require.Empty(t, pkg.SourceURLs)
	})

	t.Run("single source with url list", func(t *testing.T) {
		files := infoFiles()
		files["info/recipe/meta.yaml"] = "source:\n  url:\n    - https://pypi.org/packages/source/s/six/six-1.16.0.tar.gz\n    - https://mirror.example.com/six-1.16.0.tar.gz\n"

		data := condaArchive(t, files)
		pkg, err := ReadConda(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		require.Equal(t, []string{
			"https://pypi.org/packages/source/s/six/six-1.16.0.tar.gz",
			"https://mirror.example.com/six-1.16.0.tar.gz",
		}, pkg.SourceURLs)
	})
}

func TestMissingIndex(t *testing.T) {
	files := infoFiles()
	delete(files, "info/index.json")

	data := condaArchive(t, files)
	_, err := ReadConda(bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, ErrNoIndex)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	t.Run("conda", func(t *testing.T) {
		p := filepath.Join(dir, "numpy-1.26.4-py312h8753938_0.conda")
		require.NoError(t, os.WriteFile(p, condaArchive(t, infoFiles()), 0o600))

		pkg, err := Open(p)
		require.NoError(t, err)
		requireNumpy(t, pkg)
	})

	t.Run("unsupported", func(t *testing.T) {
		p := filepath.Join(dir, "numpy.whl")
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))

		_, err := Open(p)
		require.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("corrupt tar.bz2", func(t *testing.T) {
		p := filepath.Join(dir, "numpy-1.26.4-py312_0.tar.bz2")
		require.NoError(t, os.WriteFile(p, []byte("not bzip2"), 0o600))

		_, err := Open(p)
		require.Error(t, err)
	})
}

func TestIsPackage(t *testing.T) {
	require.True(t, IsPackage("numpy-1.26.4-py312h8753938_0.conda"))
	require.True(t, IsPackage("numpy-1.26.4-py312h8753938_0.tar.bz2"))
	require.False(t, IsPackage("numpy-1.26.4-cp312-cp312-manylinux.whl"))
}
