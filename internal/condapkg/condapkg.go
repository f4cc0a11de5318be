// Package condapkg reads the metadata embedded in conda package archives.
//
// Two archive formats exist. A ".tar.bz2" package is a bzip2 compressed tarball
// with the metadata under info/. A ".conda" package is a zip holding two zstd
// compressed tarballs, info-<dist>.tar.zst for the metadata and pkg-<dist>.tar.zst
// for the payload. Only the metadata is read.
package condapkg

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnsupportedFormat is returned for files that are neither .conda nor .tar.bz2.
	ErrUnsupportedFormat = errors.New("unsupported package format")

	// ErrNoIndex is returned when an archive has no usable info/index.json.
	ErrNoIndex = errors.New("package has no index.json")

	// ErrInfoTooLarge is returned when a metadata file exceeds the read limit.
	ErrInfoTooLarge = errors.New("package metadata file too large")

	// maxInfoFile bounds the size of a single metadata file read into memory.
	maxInfoFile int64 = 64 << 20
)

// Package is the metadata of one conda package.
type Package struct {
	Name    string
	Version string

	// Index is info/index.json.
	Index map[string]any

	// About is info/about.json, when present.
	About map[string]any

	// Files are the installed paths, from info/paths.json or the older info/files,
	// without compiled bytecode and text files.
	Files []string

	// Recipe is the rendered info/recipe/meta.yaml (or recipe.yaml). It stays nil
	// when the recipe still contains template expressions.
	Recipe map[string]any

	// SourceURLs are the URLs of the recipe's first source.
	SourceURLs []string
}

// IsPackage reports whether filename has a supported package extension.
func IsPackage(filename string) bool {
	return strings.HasSuffix(filename, ".conda") || strings.HasSuffix(filename, ".tar.bz2")
}

// Open reads the package at path. The format is chosen by file extension.
func Open(p string) (*Package, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	defer func() { _ = f.Close() }()

	switch {
	case strings.HasSuffix(p, ".conda"):
		st, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat package: %w", err)
		}
		return ReadConda(f, st.Size())
	case strings.HasSuffix(p, ".tar.bz2"):
		return ReadTarBz2(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path.Base(p))
	}
}

// ReadConda reads a .conda package.
func ReadConda(r io.ReaderAt, size int64) (*Package, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open .conda archive: %w", err)
	}

	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "info-") || !strings.HasSuffix(f.Name, ".tar.zst") {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		defer func() { _ = rc.Close() }()

		dec, err := zstd.NewReader(rc)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", f.Name, err)
		}
		defer dec.Close()

		return readTar(tar.NewReader(dec))
	}

	return nil, fmt.Errorf("%w: no info tarball in .conda archive", ErrNoIndex)
}

// ReadTarBz2 reads a .tar.bz2 package.
func ReadTarBz2(r io.Reader) (*Package, error) {
	return readTar(tar.NewReader(bzip2.NewReader(r)))
}

func readTar(tr *tar.Reader) (*Package, error) {
	pkg := &Package{}

	var legacyFiles []string
	var havePaths bool
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name, ok := infoPath(hdr.Name)
		if !ok {
			continue
		}

		base := path.Base(name)
		if !wanted(name, base) {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(tr, maxInfoFile+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", hdr.Name, err)
		}
		if int64(len(data)) > maxInfoFile {
			return nil, fmt.Errorf("%w: %s is over %d bytes", ErrInfoTooLarge, hdr.Name, maxInfoFile)
		}

		switch base {
		case "index.json":
			if err := json.Unmarshal(data, &pkg.Index); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrNoIndex, err)
			}
			pkg.Name, _ = pkg.Index["name"].(string)
			pkg.Version, _ = pkg.Index["version"].(string)
		case "about.json":
			// Metadata beyond index.json is best effort.
			_ = json.Unmarshal(data, &pkg.About)
		case "paths.json":
			if files, err := parsePaths(data); err == nil {
				pkg.Files = files
				havePaths = true
			}
		case "files":
			legacyFiles = filterFiles(strings.Split(strings.TrimSpace(string(data)), "\n"))
		case "meta.yaml", "recipe.yaml":
			if pkg.Recipe == nil {
				pkg.Recipe = parseRecipe(data)
			}
		}
	}

	if !havePaths {
		pkg.Files = legacyFiles
	}

	if pkg.Name == "" {
		return nil, ErrNoIndex
	}

	pkg.SourceURLs = sourceURLs(pkg.Recipe)
	return pkg, nil
}

// infoPath returns the path of name relative to info/.
func infoPath(name string) (string, bool) {
	name = strings.TrimPrefix(name, "./")
	rest, ok := strings.CutPrefix(name, "info/")
	return rest, ok
}

func wanted(name, base string) bool {
	first, _, _ := strings.Cut(name, "/")
	switch first {
	case "test", "tests", "licenses":
		return false
	}

	switch base {
	case "index.json", "about.json", "paths.json", "files", "meta.yaml", "recipe.yaml":
		return true
	}
	return false
}

func parsePaths(data []byte) ([]string, error) {
	var doc struct {
		Paths []struct {
			Path string `json:"_path"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(doc.Paths))
	for _, p := range doc.Paths {
		files = append(files, p.Path)
	}
	return filterFiles(files), nil
}

func filterFiles(files []string) []string {
	out := files[:0]
	for _, f := range files {
		f = strings.TrimSpace(f)
		lower := strings.ToLower(f)
		if f == "" || strings.HasSuffix(lower, ".pyc") || strings.HasSuffix(lower, ".txt") {
			continue
		}
		out = append(out, f)
	}
	return out
}

// parseRecipe parses a rendered recipe. Unrendered templates and invalid YAML
// yield nil.
func parseRecipe(data []byte) map[string]any {
	s := string(data)
	if strings.Contains(s, "{{") || strings.Contains(s, "{%") {
		return nil
	}

	var recipe map[string]any
	if err := yaml.Unmarshal(data, &recipe); err != nil {
		return nil
	}
	return recipe
}

// sourceURLs returns the url field of the recipe's first source.
func sourceURLs(recipe map[string]any) []string {
	if recipe == nil {
		return nil
	}

	src := recipe["source"]
	if list, ok := src.([]any); ok {
		if len(list) == 0 {
			return nil
		}
		src = list[0]
	}

	m, ok := src.(map[string]any)
	if !ok {
		return nil
	}

	switch u := m["url"].(type) {
	case string:
		return []string{u}
	case []any:
		var urls []string
		for _, v := range u {
			if s, ok := v.(string); ok {
				urls = append(urls, s)
			}
		}
		return urls
	}
	return nil
}
