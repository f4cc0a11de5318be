package channel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/pseudomuto/condamap"
	"github.com/pseudomuto/condamap/internal/condapkg"
)

// FetchMetadata downloads the archive of a and reads its metadata. The download is
// checked against the artifact's content hash. Archives that cannot be read match
// condamap.ErrResolutionMiss, since downloading them again will not help.
func (c *Client) FetchMetadata(ctx context.Context, a condamap.Artifact) (*condamap.Metadata, error) {
	if !condapkg.IsPackage(a.Filename) {
		return nil, fmt.Errorf("%w: %w: %s", condamap.ErrResolutionMiss, condapkg.ErrUnsupportedFormat, a.Filename)
	}

	url := c.channelURL(a.Channel) + "/" + a.Partition + "/" + a.Filename
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed reading package response: %s, %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(url, resp); err != nil {
		return nil, err
	}

	// The extension selects the archive reader, so the temp file keeps it.
	f, err := os.CreateTemp(c.tmpDir, "condamap-*-"+path.Base(a.Filename))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for package: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to write package file: %w", err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); a.ContentHash != "" && got != a.ContentHash {
		return nil, fmt.Errorf("%w: package %s has sha256 %s, catalog says %s", condamap.ErrResolutionMiss, a.Filename, got, a.ContentHash)
	}

	c.log.DebugContext(ctx, "downloaded package", "filename", a.Filename, "size", humanize.Bytes(uint64(n)))

	pkg, err := condapkg.Open(f.Name())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read package %s: %w", condamap.ErrResolutionMiss, a.Filename, err)
	}

	return &condamap.Metadata{
		Artifact:   a,
		Name:       pkg.Name,
		Version:    pkg.Version,
		Files:      pkg.Files,
		SourceURLs: pkg.SourceURLs,
		About:      pkg.About,
	}, nil
}
