// Package pypi maps conda package metadata to the PyPI distributions it installs.
package pypi

import (
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/pseudomuto/condamap"
)

// Unresolved reasons.
const (
	ReasonNoMetadata = "no package metadata"
)

var (
	distInfo = regexp.MustCompile(`([^/]+)-(\d+[^/]*)\.dist-info/METADATA`)
	eggInfo  = regexp.MustCompile(`([^/]+?)-(\d+[^/]*)\.egg-info/PKG-INFO`)

	separators = regexp.MustCompile(`[-_.]+`)

	// pep440 matches the public and local version forms accepted by PyPI.
	pep440 = regexp.MustCompile(`(?i)^\s*v?(?:(?:[0-9]+!)?[0-9]+(?:\.[0-9]+)*` +
		`(?:[-_.]?(?:a|b|c|rc|alpha|beta|pre|preview)[-_.]?[0-9]*)?` +
		`(?:-[0-9]+|[-_.]?(?:post|rev|r)[-_.]?[0-9]*)?` +
		`(?:[-_.]?dev[-_.]?[0-9]*)?)` +
		`(?:\+[a-z0-9]+(?:[-_.][a-z0-9]+)*)?\s*$`)

	// Direct URL sources are everything except sdists served by PyPI itself.
	pypiPrefixes = []string{
		"https://pypi.io/packages/",
		"https://pypi.org/packages/",
		"https://pypi.python.org/packages/",
	}
)

// Resolver implements condamap.Resolver.
type Resolver struct{}

// New returns a Resolver.
func New() *Resolver {
	return &Resolver{}
}

// Resolve maps package metadata to an ArtifactRecord. Packages without Python
// distribution metadata resolve to a record with no registry names.
func (r *Resolver) Resolve(m *condamap.Metadata) condamap.Resolution {
	if m == nil || m.Name == "" {
		return condamap.Unresolved{Reason: ReasonNoMetadata}
	}

	versions := Names(m.Files)
	rec := &condamap.ArtifactRecord{
		CondaName:   m.Name,
		PackageName: m.Artifact.Filename,
	}

	if len(versions) > 0 {
		rec.RegistryNames = slices.Sorted(maps.Keys(versions))
		rec.Versions = versions
	}

	if IsDirectURL(m.SourceURLs) {
		rec.Provenance = slices.Clone(m.SourceURLs)
	}

	return condamap.Resolved{Record: rec}
}

// Names returns the normalized distribution names found in files, mapped to their
// versions. Distributions vendored inside another package are ignored.
func Names(files []string) map[string]string {
	names := make(map[string]string)
	for _, f := range files {
		if vendored(f) {
			continue
		}

		match := distInfo.FindStringSubmatch(f)
		if match == nil {
			match = eggInfo.FindStringSubmatch(f)
		}
		if match == nil {
			continue
		}

		names[Normalize(match[1])] = CleanVersion(match[2])
	}

	return names
}

// Normalize returns the PEP 503 normalized form of a distribution name.
func Normalize(name string) string {
	return strings.ToLower(separators.ReplaceAllString(name, "-"))
}

// CleanVersion strips build tags that egg-info directories append to versions,
// e.g. "1.2.3-py3.12" becomes "1.2.3".
func CleanVersion(v string) string {
	if i := strings.Index(v, "-py"); i >= 0 {
		v = v[:i]
	}

	if !pep440.MatchString(v) {
		if i := strings.LastIndex(v, "-"); i >= 0 {
			v = v[:i]
		}
	}

	return v
}

// IsDirectURL reports whether urls point somewhere other than PyPI. An empty list
// is not a direct URL.
func IsDirectURL(urls []string) bool {
	if len(urls) == 0 {
		return false
	}

	for _, u := range urls {
		if !fromPyPI(u) {
			return true
		}
	}
	return false
}

func fromPyPI(u string) bool {
	for _, p := range pypiPrefixes {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

func vendored(path string) bool {
	for part := range strings.SplitSeq(path, "/") {
		if part == "_vendor" || part == "_vendored" {
			return true
		}
	}
	return false
}
