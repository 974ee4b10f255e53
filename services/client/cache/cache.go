// Package cache stores downloaded task archives and their unpacked bundles
// on the local disk, keyed by task identity.
//
// Layout under the cache root:
//
//	<name>-<id>.tar.zst   committed archive
//	<name>-<id>/          unpacked bundle
//	.stage-*              in-flight downloads
//	.unpack-*             in-flight extractions
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"deploycli/pkg/archive"
	"deploycli/pkg/digest"
	"deploycli/pkg/manifest"
)

// rename is replaced in tests.
var rename = os.Rename

// Key identifies a cache entry.
type Key = manifest.Task

// Cache is a directory of archives and unpacked bundles. It is safe for one
// client process; concurrent processes sharing a root may race on Commit.
type Cache struct {
	root string
	algo digest.Algorithm
}

// New creates root if needed.
func New(root string, algo digest.Algorithm) (*Cache, error) {
	if root == "" {
		return nil, errors.New("cache root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Cache{root: root, algo: algo}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// Algorithm returns the digest algorithm used for lookups.
func (c *Cache) Algorithm() digest.Algorithm { return c.algo }

// ArchivePathFor returns where the archive for t is stored.
func (c *Cache) ArchivePathFor(t Key) string {
	return filepath.Join(c.root, t.Key()+archive.Extension)
}

// UnpackedDirFor returns where the bundle for t is unpacked.
func (c *Cache) UnpackedDirFor(t Key) string {
	return filepath.Join(c.root, t.Key())
}

// HasUnpacked reports whether the unpacked bundle directory exists.
func (c *Cache) HasUnpacked(t Key) bool {
	info, err := os.Stat(c.UnpackedDirFor(t))
	return err == nil && info.IsDir()
}

// LookupDigest digests the stored archive for t. It returns "" when no
// archive is cached.
func (c *Cache) LookupDigest(t Key) (string, error) {
	sum, err := digest.File(c.algo, c.ArchivePathFor(t))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", t, err)
	}
	return sum, nil
}

// Staged is an archive copied into the cache root but not yet visible under
// its final name.
type Staged struct {
	cache  *Cache
	key    Key
	path   string
	digest string
	size   int64
	done   bool
}

// Stage copies r into a temp file in the cache root while digesting it.
// A failed copy leaves the committed entry untouched.
func (c *Cache) Stage(t Key, r io.Reader) (*Staged, error) {
	file, err := os.CreateTemp(c.root, ".stage-"+t.Key()+"-*")
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", t, err)
	}

	h := digest.New(c.algo)
	size, copyErr := io.Copy(io.MultiWriter(file, h), r)
	closeErr := file.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(file.Name())
		return nil, fmt.Errorf("stage %s: %w", t, copyErr)
	}

	return &Staged{
		cache:  c,
		key:    t,
		path:   file.Name(),
		digest: h.Sum(),
		size:   size,
	}, nil
}

// Digest of the staged bytes.
func (s *Staged) Digest() string { return s.digest }

// Size of the staged bytes.
func (s *Staged) Size() int64 { return s.size }

// Path of the staged temp file.
func (s *Staged) Path() string { return s.path }

// Commit renames the staged file over the cached archive.
func (s *Staged) Commit() (string, error) {
	if s.done {
		return "", errors.New("staged archive already finalised")
	}
	dst := s.cache.ArchivePathFor(s.key)
	if err := os.Rename(s.path, dst); err != nil {
		os.Remove(s.path)
		s.done = true
		return "", fmt.Errorf("commit %s: %w", s.key, err)
	}
	s.done = true
	return dst, nil
}

// Discard removes the staged file. It is a no-op after Commit.
func (s *Staged) Discard() {
	if s == nil || s.done {
		return
	}
	s.done = true
	os.Remove(s.path)
}

// Store stages and commits r as the archive for t.
func (c *Cache) Store(t Key, r io.Reader) (path, sum string, err error) {
	staged, err := c.Stage(t, r)
	if err != nil {
		return "", "", err
	}
	defer staged.Discard()

	path, err = staged.Commit()
	if err != nil {
		return "", "", err
	}
	return path, staged.Digest(), nil
}

// Unpack extracts the committed archive for t into a temp directory and
// swaps it over the unpacked bundle directory. The previous directory is
// restored if the swap fails.
func (c *Cache) Unpack(ctx context.Context, t Key) (string, error) {
	tmp, err := os.MkdirTemp(c.root, ".unpack-"+t.Key()+"-*")
	if err != nil {
		return "", fmt.Errorf("unpack %s: %w", t, err)
	}
	defer os.RemoveAll(tmp)

	if err := archive.UnpackFile(ctx, c.ArchivePathFor(t), tmp); err != nil {
		return "", fmt.Errorf("unpack %s: %w", t, err)
	}

	dst := c.UnpackedDirFor(t)
	prev := tmp + ".prev"
	hadPrev := false
	if err := rename(dst, prev); err == nil {
		hadPrev = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("unpack %s: move previous aside: %w", t, err)
	}

	if err := rename(tmp, dst); err != nil {
		if hadPrev {
			_ = rename(prev, dst)
		}
		return "", fmt.Errorf("unpack %s: %w", t, err)
	}
	if hadPrev {
		os.RemoveAll(prev)
	}
	return dst, nil
}

// Eviction reports what Evict removed for one task.
type Eviction struct {
	Task       Key
	RemovedDir bool
	RemovedZip bool
}

// Evict removes the archive and unpacked directory of t. Missing entries are
// reported, not errors.
func (c *Cache) Evict(t Key) (Eviction, error) {
	ev := Eviction{Task: t}

	dir := c.UnpackedDirFor(t)
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return ev, fmt.Errorf("evict %s: %w", t, err)
		}
		ev.RemovedDir = true
	}

	err := os.Remove(c.ArchivePathFor(t))
	switch {
	case err == nil:
		ev.RemovedZip = true
	case !errors.Is(err, os.ErrNotExist):
		return ev, fmt.Errorf("evict %s: %w", t, err)
	}
	return ev, nil
}

// EvictAll evicts every key, stopping at the first failure.
func (c *Cache) EvictAll(keys []Key) ([]Eviction, error) {
	out := make([]Eviction, 0, len(keys))
	for _, k := range keys {
		ev, err := c.Evict(k)
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}
