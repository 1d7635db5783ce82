// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package builder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/zeebo/blake3"
)

// digestPattern matches the hex form of a BLAKE3 digest. Doubles as
// path-traversal protection: cache entries are addressed only by
// digest, never by name.
var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FileCache is the content-addressed store shared by all builds on
// the machine. Base images, input files, and collected artifacts all
// live here, keyed by the BLAKE3 digest of their content. Entries for
// identical content coincide, so repeated builds against the same
// base image fetch it once.
type FileCache struct {
	path   string
	client *http.Client
	logger *slog.Logger
}

// NewFileCache opens the cache rooted at path, creating it if needed.
func NewFileCache(path string, logger *slog.Logger) (*FileCache, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating file cache: %w", err)
	}
	return &FileCache{
		path:   path,
		client: &http.Client{Timeout: 15 * time.Minute},
		logger: logger,
	}, nil
}

// Path returns the cache location for a digest. The digest is
// validated; a malformed digest yields an error rather than a path
// outside the cache.
func (c *FileCache) Path(digest string) (string, error) {
	if !digestPattern.MatchString(digest) {
		return "", fmt.Errorf("malformed digest %q", digest)
	}
	return filepath.Join(c.path, digest), nil
}

// Contains reports whether the cache holds the digest.
func (c *FileCache) Contains(digest string) bool {
	path, err := c.Path(digest)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// EnsurePresent guarantees the cache holds the file with the given
// digest, fetching it from url if necessary. An empty url means
// check-only. Credentials, when given, are sent as HTTP basic auth.
//
// Returns whether the file is now present. A failed fetch is reported
// through the bool, not the error: the dispatcher distinguishes "not
// here, no way to get it" from infrastructure failures by the info
// string.
func (c *FileCache) EnsurePresent(ctx context.Context, digest, url, username, password string) (bool, string) {
	path, err := c.Path(digest)
	if err != nil {
		return false, err.Error()
	}
	if _, err := os.Stat(path); err == nil {
		return true, "Cache"
	}
	if url == "" {
		return false, "No URL"
	}

	c.logger.Info("fetching file", "digest", digest, "url", ScrubCredentials([]byte(url)))
	if err := c.fetch(ctx, path, digest, url, username, password); err != nil {
		c.logger.Warn("fetch failed", "digest", digest, "error", err)
		return false, fmt.Sprintf("Error fetching file: %v", err)
	}
	return true, "Download"
}

// fetch downloads url to the cache entry for digest, verifying the
// content hash before the entry becomes visible.
func (c *FileCache) fetch(ctx context.Context, path, digest, url, username, password string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if username != "" || password != "" {
		request.SetBasicAuth(username, password)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", response.Status)
	}

	tmp, err := os.CreateTemp(c.path, "fetch-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), response.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	actual := fmt.Sprintf("%x", hasher.Sum(nil))
	if actual != digest {
		return fmt.Errorf("digest mismatch: got %s, want %s", actual, digest)
	}
	return os.Rename(tmp.Name(), path)
}

// Store copies a file into the cache and returns its digest.
func (c *FileCache) Store(path string) (string, error) {
	source, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer source.Close()

	tmp, err := os.CreateTemp(c.path, "store-*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), source); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	digest := fmt.Sprintf("%x", hasher.Sum(nil))
	entryPath, err := c.Path(digest)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(entryPath); err == nil {
		// Already cached; the tmp copy is redundant.
		return digest, nil
	}
	if err := os.Rename(tmp.Name(), entryPath); err != nil {
		return "", err
	}
	return digest, nil
}

// Remove deletes a cache entry. Missing entries are not an error.
func (c *FileCache) Remove(digest string) error {
	path, err := c.Path(digest)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
