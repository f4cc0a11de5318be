package condamap

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// ReconcileLetter is the shard letter used for partial indices emitted by the
// producer for records that exist without an index entry.
const ReconcileLetter = "reconcile"

type (
	// Artifact is a single catalog entry of a channel partition, as reported by the
	// artifact source.
	Artifact struct {
		Channel     string `json:"channel"`
		Partition   string `json:"subdir"`
		Filename    string `json:"filename"`
		ContentHash string `json:"sha256"`
		Name        string `json:"name"`
		Version     string `json:"version"`
		Build       string `json:"build,omitempty"`
		Size        int64  `json:"size,omitempty"`
	}

	// Metadata is the structured package metadata read from an artifact's archive.
	Metadata struct {
		Artifact Artifact

		// Name and Version come from the archive's info/index.json.
		Name    string
		Version string

		// Files lists the paths installed by the package.
		Files []string

		// SourceURLs are the recipe's source URLs, if any.
		SourceURLs []string

		// About holds info/about.json, when present.
		About map[string]any
	}

	// ArtifactRecord is the resolved registry mapping for one distinct artifact.
	// It is stored once per content hash and never mutated.
	//
	// Field names match the mapping entries already served under hash-v0/ so
	// existing consumers keep working.
	ArtifactRecord struct {
		RegistryNames []string          `json:"pypi_normalized_names"`
		Versions      map[string]string `json:"versions"`
		CondaName     string            `json:"conda_name"`
		PackageName   string            `json:"package_name"`
		Provenance    []string          `json:"direct_url"`
	}

	// IndexEntry points a content hash at its ArtifactRecord key.
	IndexEntry struct {
		ContentHash string `json:"sha256" cbor:"1,keyasint" validate:"required,len=64,hexadecimal,lowercase"`
		Key         string `json:"key" cbor:"2,keyasint" validate:"required"`
	}

	// ShardID identifies a unit of updater work: "<partition>@<letter>".
	ShardID string

	// Snapshot is the producer's "requested index": the master index version every
	// updater shard of a run treats as already indexed, plus each shard's work.
	Snapshot struct {
		Channel      string                 `json:"channel"`
		IndexVersion int64                  `json:"index_version"`
		TreeHash     string                 `json:"tree_hash"`
		CreatedAt    time.Time              `json:"created_at"`
		Shards       map[ShardID][]Artifact `json:"shards"`
	}

	// MasterIndex is the authoritative, append-only entry log of one channel.
	// Version always equals the number of entries.
	MasterIndex struct {
		Channel  string       `json:"channel"`
		Version  int64        `json:"version"`
		TreeHash string       `json:"tree_hash"`
		Entries  []IndexEntry `json:"entries"`

		byHash map[string]int
	}

	// PartialIndex is the output of one updater shard.
	PartialIndex struct {
		Channel      string       `cbor:"1,keyasint" validate:"required"`
		Shard        ShardID      `cbor:"2,keyasint" validate:"required"`
		RunID        string       `cbor:"3,keyasint" validate:"required,uuid"`
		IndexVersion int64        `cbor:"4,keyasint" validate:"gte=0"`
		Entries      []IndexEntry `cbor:"5,keyasint" validate:"dive"`
		Skipped      int          `cbor:"6,keyasint" validate:"gte=0"`
		CreatedAt    time.Time    `cbor:"7,keyasint"`
	}

	// Manifest is the pointer readers consult to find the current master index
	// generation. It is the only index key that is ever overwritten.
	Manifest struct {
		Channel   string    `json:"channel"`
		Version   int64     `json:"version"`
		TreeHash  string    `json:"tree_hash"`
		Key       string    `json:"key"`
		Previous  string    `json:"previous,omitempty"`
		UpdatedAt time.Time `json:"updated_at"`

		// Head is the signed index head, present when the indexer has a signer.
		Head string `json:"head,omitempty"`
	}

	// Relation states that a conda artifact ships a registry package at a version.
	Relation struct {
		CondaName       string   `json:"conda_name"`
		CondaFilename   string   `json:"conda_filename"`
		CondaHash       string   `json:"conda_hash"`
		RegistryName    string   `json:"pypi_name"`
		RegistryVersion string   `json:"pypi_version"`
		Channel         string   `json:"channel"`
		DirectURL       []string `json:"direct_url"`
	}

	// RelationsTable is the reverse index of a channel, stored as relation rows.
	RelationsTable struct {
		Channel   string
		Relations []Relation
	}

	// RelationsMetadata describes a generated relations table and is used to detect
	// staleness on the next build.
	RelationsMetadata struct {
		FormatVersion          string    `json:"format_version"`
		Channel                string    `json:"channel"`
		GeneratedAt            time.Time `json:"generated_at"`
		Mode                   string    `json:"mode"`
		TotalRelations         int       `json:"total_relations"`
		UniqueCondaPackages    int       `json:"unique_conda_packages"`
		UniqueRegistryPackages int       `json:"unique_pypi_packages"`
		SourceIndexVersion     int64     `json:"source_index_version"`
		SourceTreeHash         string    `json:"source_tree_hash"`
		LastFullRebuildVersion int64     `json:"last_full_rebuild_version"`
		FragmentsWritten       int       `json:"fragments_written"`
	}

	// LookupFragment is one registry name's slice of the relations table.
	LookupFragment struct {
		FormatVersion string              `json:"format_version"`
		Channel       string              `json:"channel"`
		RegistryName  string              `json:"pypi_name"`
		Versions      map[string][]string `json:"conda_versions"`
	}
)

// NewShardID returns the shard identifier for a partition and letter.
func NewShardID(partition, letter string) ShardID {
	return ShardID(partition + "@" + letter)
}

// ParseShardID parses a "<partition>@<letter>" string.
func ParseShardID(s string) (ShardID, error) {
	partition, letter, ok := strings.Cut(s, "@")
	if !ok || partition == "" || letter == "" || strings.Contains(letter, "@") {
		return "", fmt.Errorf("invalid shard id: %q (expected partition@letter)", s)
	}

	return ShardID(s), nil
}

// Partition returns the platform partition of the shard.
func (s ShardID) Partition() string {
	p, _, _ := strings.Cut(string(s), "@")
	return p
}

// Letter returns the name bucket of the shard.
func (s ShardID) Letter() string {
	_, l, _ := strings.Cut(string(s), "@")
	return l
}

func (s ShardID) String() string { return string(s) }

// ShardLetter returns the name bucket an artifact belongs to. It is a pure
// function of the artifact's normalized package name.
func ShardLetter(a Artifact) string {
	name := NormalizeName(a.Name)
	if name == "" {
		name = NormalizeName(a.Filename)
	}

	r, _ := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return "_"
	}

	return string(r)
}

// NormalizeName lower-cases a conda package name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Resolution is the result of a Resolver: either Resolved or Unresolved.
type Resolution interface {
	resolution()
}

// Resolved carries the record for a successfully mapped artifact. A package
// without registry content resolves to a record with no registry names.
type Resolved struct {
	Record *ArtifactRecord
}

// Unresolved carries the reason an artifact could not be mapped.
type Unresolved struct {
	Reason string
}

func (Resolved) resolution()   {}
func (Unresolved) resolution() {}

// Has reports whether hash is present in the index.
func (m *MasterIndex) Has(hash string) bool {
	_, ok := m.Lookup(hash)
	return ok
}

// Lookup returns the entry for hash.
func (m *MasterIndex) Lookup(hash string) (IndexEntry, bool) {
	m.buildLookup()
	i, ok := m.byHash[hash]
	if !ok {
		return IndexEntry{}, false
	}

	return m.Entries[i], true
}

// Len returns the number of entries in the index.
func (m *MasterIndex) Len() int {
	return len(m.Entries)
}

// Since returns the entries appended after version.
func (m *MasterIndex) Since(version int64) []IndexEntry {
	if version < 0 || version >= int64(len(m.Entries)) {
		if version < 0 {
			return m.Entries
		}
		return nil
	}

	return m.Entries[version:]
}

func (m *MasterIndex) buildLookup() {
	if m.byHash != nil && len(m.byHash) == len(m.Entries) {
		return
	}

	m.byHash = make(map[string]int, len(m.Entries))
	for i, e := range m.Entries {
		m.byHash[e.ContentHash] = i
	}
}

// Lookup returns the registry name -> version -> sorted conda names view of the table.
func (t *RelationsTable) Lookup() map[string]map[string][]string {
	sets := make(map[string]map[string]map[string]struct{})
	for _, r := range t.Relations {
		versions, ok := sets[r.RegistryName]
		if !ok {
			versions = make(map[string]map[string]struct{})
			sets[r.RegistryName] = versions
		}

		names, ok := versions[r.RegistryVersion]
		if !ok {
			names = make(map[string]struct{})
			versions[r.RegistryVersion] = names
		}

		names[r.CondaName] = struct{}{}
	}

	out := make(map[string]map[string][]string, len(sets))
	for name, versions := range sets {
		out[name] = make(map[string][]string, len(versions))
		for v, names := range versions {
			sorted := make([]string, 0, len(names))
			for n := range names {
				sorted = append(sorted, n)
			}
			slices.Sort(sorted)
			out[name][v] = sorted
		}
	}

	return out
}
