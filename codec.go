package condamap

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var (
	// cborEnc uses Core Deterministic Encoding so the same partial index always
	// produces the same bytes.
	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	validate = validator.New(validator.WithRequiredStructEnabled())
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	if cborEnc, err = opts.EncMode(); err != nil {
		panic("condamap: CBOR encoder initialization failed: " + err.Error())
	}

	if cborDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("condamap: CBOR decoder initialization failed: " + err.Error())
	}

	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("condamap: zstd encoder initialization failed: " + err.Error())
	}

	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("condamap: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(r *ArtifactRecord) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (*ArtifactRecord, error) {
	var r ArtifactRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode artifact record: %w", err)
	}

	return &r, nil
}

func encodeIndex(m *MasterIndex) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode master index: %w", err)
	}

	return zstdEncoder.EncodeAll(data, nil), nil
}

func decodeIndex(data []byte) (*MasterIndex, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress master index: %w", err)
	}

	var m MasterIndex
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode master index: %w", err)
	}

	if m.Version != int64(len(m.Entries)) {
		return nil, fmt.Errorf("master index version %d does not match %d entries", m.Version, len(m.Entries))
	}

	return &m, nil
}

// generationDigest names an index generation after its content.
func generationDigest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

func encodePartial(p *PartialIndex) ([]byte, error) {
	return cborEnc.Marshal(p)
}

// decodePartial parses and validates a partial index. Every failure wraps
// ErrMalformedPartialIndex.
func decodePartial(data []byte) (*PartialIndex, error) {
	var p PartialIndex
	if err := cborDec.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPartialIndex, err)
	}

	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPartialIndex, err)
	}

	if _, err := ParseShardID(p.Shard.String()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPartialIndex, err)
	}

	for _, e := range p.Entries {
		if e.Key != RecordKey(e.ContentHash) {
			return nil, fmt.Errorf("%w: entry %s points at %s", ErrMalformedPartialIndex, e.ContentHash, e.Key)
		}
	}

	return &p, nil
}

// encodeTable serializes relations as gzip compressed JSON lines.
func encodeTable(t *RelationsTable) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for i := range t.Relations {
		if err := enc.Encode(&t.Relations[i]); err != nil {
			return nil, fmt.Errorf("failed to encode relation: %w", err)
		}
	}

	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress relations table: %w", err)
	}

	return buf.Bytes(), nil
}

func decodeTable(channel string, data []byte) (*RelationsTable, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open relations table: %w", err)
	}
	defer func() { _ = gz.Close() }()

	t := &RelationsTable{Channel: channel}
	r := bufio.NewReader(gz)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var rel Relation
			if jerr := json.Unmarshal(line, &rel); jerr != nil {
				return nil, fmt.Errorf("failed to decode relation: %w", jerr)
			}
			t.Relations = append(t.Relations, rel)
		}

		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read relations table: %w", err)
		}
	}
}
