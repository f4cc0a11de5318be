package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pseudomuto/condamap"
	"github.com/pseudomuto/condamap/internal/httpcache"
)

type (
	channelData struct {
		Packages map[string]struct {
			Subdirs []string `json:"subdirs"`
		} `json:"packages"`
		Subdirs []string `json:"subdirs"`
	}

	repoData struct {
		Packages      map[string]packageRecord `json:"packages"`
		CondaPackages map[string]packageRecord `json:"packages.conda"`
	}

	packageRecord struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Build   string `json:"build"`
		SHA256  string `json:"sha256"`
		Size    int64  `json:"size"`
	}
)

// Partitions returns the subdirs any package of channel is built for.
func (c *Client) Partitions(ctx context.Context, channel string) ([]string, error) {
	var cd channelData
	if err := c.getJSON(ctx, c.channelURL(channel)+"/channeldata.json", &cd); err != nil {
		return nil, err
	}

	subdirs := slices.Clone(cd.Subdirs)
	for _, p := range cd.Packages {
		subdirs = append(subdirs, p.Subdirs...)
	}

	slices.Sort(subdirs)
	return slices.Compact(subdirs), nil
}

// ListArtifacts returns the catalog of one subdir, ordered by filename.
func (c *Client) ListArtifacts(ctx context.Context, channel, partition string) ([]condamap.Artifact, error) {
	var rd repoData
	if err := c.getJSON(ctx, c.channelURL(channel)+"/"+partition+"/repodata.json", &rd); err != nil {
		return nil, err
	}

	artifacts := make([]condamap.Artifact, 0, len(rd.Packages)+len(rd.CondaPackages))
	for _, records := range []map[string]packageRecord{rd.Packages, rd.CondaPackages} {
		for filename, r := range records {
			artifacts = append(artifacts, condamap.Artifact{
				Channel:     channel,
				Partition:   partition,
				Filename:    filename,
				ContentHash: strings.ToLower(r.SHA256),
				Name:        r.Name,
				Version:     r.Version,
				Build:       r.Build,
				Size:        r.Size,
			})
		}
	}

	slices.SortFunc(artifacts, func(a, b condamap.Artifact) int { return strings.Compare(a.Filename, b.Filename) })
	return artifacts, nil
}

// getJSON fetches url into v, revalidating against the cache when one is set.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	body, err := c.getIndex(ctx, url)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}

	return nil
}

func (c *Client) getIndex(ctx context.Context, url string) ([]byte, error) {
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}

	var cached *httpcache.Entry
	if c.cache != nil {
		if cached, _, err = c.cache.Get(url); err != nil {
			c.log.WarnContext(ctx, "ignoring unreadable cache entry", "url", url, "error", err)
			cached = nil
		}
	}

	if cached != nil {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed reading response: %s, %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		c.log.DebugContext(ctx, "index not modified", "url", url, "size", humanize.Bytes(uint64(len(cached.Body))))
		return cached.Body, nil
	}

	if err := checkStatus(url, resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %s, %w", url, err)
	}
	c.log.DebugContext(ctx, "fetched index", "url", url, "size", humanize.Bytes(uint64(len(body))))

	if c.cache != nil && (resp.Header.Get("ETag") != "" || resp.Header.Get("Last-Modified") != "") {
		err := c.cache.Put(url, &httpcache.Entry{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Body:         body,
			StoredAt:     time.Now().UTC(),
		})
		if err != nil {
			c.log.WarnContext(ctx, "failed to cache index", "url", url, "error", err)
		}
	}

	return body, nil
}

// checkStatus maps a non-200 response to an error. A 404 matches
// condamap.ErrNotFound so callers do not retry it.
func checkStatus(url string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", condamap.ErrNotFound, url)
	default:
		return fmt.Errorf("get %s, expected: %d, received: %d", url, http.StatusOK, resp.StatusCode)
	}
}
