package condamap

import (
	"fmt"
	"path"
	"strings"
)

// Key layout. The hash-indexed generation lives under hashPrefix and the
// registry-name-indexed generation under relationsPrefix. The two never share keys.
const (
	hashPrefix      = "hash-v0"
	relationsPrefix = "pypi-to-conda-v1"

	manifestFile  = "manifest.json"
	snapshotFile  = "index.json"
	relationsFile = "relations.jsonl.gz"
	metadataFile  = "metadata.json"

	// tableDir cannot collide with a fragment: normalized registry names never
	// start with an underscore.
	tableDir = "_relations"
)

// ChannelDir maps a channel name, or a channel given as a full URL, to a single
// key segment. Plain channel names are returned unchanged.
func ChannelDir(channel string) string {
	dir := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, channel)

	if strings.Trim(dir, ".") == "" {
		return strings.Repeat("_", len(dir))
	}
	return dir
}

// RecordKey returns the key of the ArtifactRecord for a content hash.
func RecordKey(hash string) string {
	return path.Join(hashPrefix, hash)
}

// ManifestKey returns the key of a channel's master index pointer.
func ManifestKey(channel string) string {
	return path.Join(hashPrefix, ChannelDir(channel), "index", manifestFile)
}

// GenerationKey returns the key of an immutable master index generation.
func GenerationKey(channel string, version int64, digest string) string {
	return path.Join(hashPrefix, ChannelDir(channel), "index", fmt.Sprintf("%d-%s.json.zst", version, digest))
}

// SnapshotKey returns the key of a channel's requested index snapshot.
func SnapshotKey(channel string) string {
	return path.Join(hashPrefix, ChannelDir(channel), "requested", snapshotFile)
}

// PartialPrefix returns the prefix holding all partial indices of a channel.
func PartialPrefix(channel string) string {
	return path.Join(hashPrefix, ChannelDir(channel), "partial") + "/"
}

// PartialKey returns the key of one partial index.
func PartialKey(channel string, shard ShardID, runID string) string {
	return path.Join(hashPrefix, ChannelDir(channel), "partial", shard.String(), runID+".cbor")
}

// RelationsKey returns the key of a channel's relations table.
func RelationsKey(channel string) string {
	return path.Join(relationsPrefix, ChannelDir(channel), tableDir, relationsFile)
}

// RelationsMetadataKey returns the key of a channel's relations metadata.
func RelationsMetadataKey(channel string) string {
	return path.Join(relationsPrefix, ChannelDir(channel), tableDir, metadataFile)
}

// FragmentKey returns the key of the lookup fragment for a registry name.
func FragmentKey(channel, name string) string {
	return path.Join(relationsPrefix, ChannelDir(channel), name+".json")
}
