package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"deploycli/pkg/archive"
	"deploycli/pkg/manifest"
)

const tmpDirName = ".tmp"

// Bundles is the tasks directory: one <name>-<id> subdirectory per published
// bundle, plus a .tmp scratch area for per-request files.
type Bundles struct {
	root string
	tmp  string
}

// NewBundles creates root and its scratch directory.
func NewBundles(root string) (*Bundles, error) {
	if root == "" {
		return nil, errors.New("tasks directory is required")
	}
	tmp := filepath.Join(root, tmpDirName)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks directory: %w", err)
	}
	return &Bundles{root: root, tmp: tmp}, nil
}

// Root returns the tasks directory.
func (b *Bundles) Root() string { return b.root }

// Dir returns the bundle directory for key ("name-id").
func (b *Bundles) Dir(key string) string {
	return filepath.Join(b.root, key)
}

// Exists reports whether the bundle directory for key is present.
func (b *Bundles) Exists(key string) bool {
	info, err := os.Stat(b.Dir(key))
	return err == nil && info.IsDir()
}

// tempPath returns a fresh scratch path for key. Concurrent requests for the
// same task never share one.
func (b *Bundles) tempPath(key, suffix string) string {
	return filepath.Join(b.tmp, key+"-"+uuid.NewString()+suffix)
}

// PackTemp packs the bundle for key into a request-scoped archive. The
// caller must call cleanup on every path.
func (b *Bundles) PackTemp(ctx context.Context, key string) (path string, cleanup func(), err error) {
	path = b.tempPath(key, archive.Extension)
	cleanup = func() { os.Remove(path) }

	if err := archive.PackFile(ctx, b.Dir(key), path); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("pack %s: %w", key, err)
	}
	return path, cleanup, nil
}

// Installation is a bundle swapped into place. The previous version stays
// in the scratch area until Commit or Rollback.
type Installation struct {
	Task manifest.Task

	dst    string
	old    string
	hadOld bool
}

// Commit discards the previous version.
func (in *Installation) Commit() {
	if in.hadOld {
		os.RemoveAll(in.old)
	}
}

// Rollback removes the installed bundle and restores the previous version,
// if there was one.
func (in *Installation) Rollback() error {
	if err := os.RemoveAll(in.dst); err != nil {
		return fmt.Errorf("roll back %s: %w", in.Task, err)
	}
	if !in.hadOld {
		return nil
	}
	if err := os.Rename(in.old, in.dst); err != nil {
		return fmt.Errorf("restore %s: %w", in.Task, err)
	}
	return nil
}

// Install unpacks the archive at src into a staging directory, validates it
// as a bundle whose identity is key, and swaps it over any existing bundle.
// The caller must Commit or Rollback the result.
func (b *Bundles) Install(ctx context.Context, key, src string) (*Installation, error) {
	staging := b.tempPath(key, ".staging")
	defer os.RemoveAll(staging)

	if err := archive.UnpackFile(ctx, src, staging); err != nil {
		return nil, err
	}

	task, err := manifest.LoadBundle(staging)
	if err != nil {
		return nil, err
	}
	if task.Key() != key {
		return nil, fmt.Errorf("%w: file name %q does not match manifest %q", manifest.ErrInvalidManifest, key, task.Key())
	}

	in := &Installation{Task: task, dst: b.Dir(key), old: b.tempPath(key, ".old")}
	if err := os.Rename(in.dst, in.old); err == nil {
		in.hadOld = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replace %s: %w", key, err)
	}

	if err := os.Rename(staging, in.dst); err != nil {
		if in.hadOld {
			_ = os.Rename(in.old, in.dst)
		}
		return nil, fmt.Errorf("install %s: %w", key, err)
	}
	return in, nil
}

// Remove deletes the bundle directory for key.
func (b *Bundles) Remove(key string) error {
	if !b.Exists(key) {
		return ErrNotFound
	}
	if err := os.RemoveAll(b.Dir(key)); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Scan returns every valid bundle in the tasks directory. Directories whose
// manifest is invalid, lacks an entry script, or does not match the
// directory name are skipped with a warning.
func (b *Bundles) Scan(log zerolog.Logger) ([]manifest.Task, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("scan tasks directory: %w", err)
	}

	var tasks []manifest.Task
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(b.root, entry.Name())
		task, err := manifest.LoadBundle(dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", entry.Name()).Msg("skipping bundle")
			continue
		}
		if task.Key() != entry.Name() {
			log.Warn().Str("dir", entry.Name()).Str("manifest", task.Key()).Msg("skipping bundle: directory does not match manifest")
			continue
		}
		tasks = append(tasks, task)
	}
	sortTasks(tasks)
	return tasks, nil
}
