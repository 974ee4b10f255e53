// Package archive converts a task bundle directory to and from a single
// deterministic tar.zst archive.
//
// Two directories holding the same file names and contents always pack to the
// same bytes: entry order is lexical, and every header carries the same mode,
// owner and timestamp. Freshness checks hash the packed archive, so this
// property is load bearing.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Extension is appended to archive file names.
const Extension = ".tar.zst"

// ContentType is sent with archive bodies over HTTP.
const ContentType = "application/zstd"

const (
	entryMode = 0o755
	dirMode   = 0o755
)

var (
	// ErrUnsafePath reports an entry whose name would land outside the destination.
	ErrUnsafePath = errors.New("archive: unsafe entry path")
	// ErrCorrupt reports an archive that cannot be decoded.
	ErrCorrupt = errors.New("archive: corrupt archive")
)

var epoch = time.Unix(0, 0).UTC()

// Pack writes every regular file below srcDir into w.
func Pack(ctx context.Context, srcDir string, w io.Writer) error {
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %q is not a directory", srcDir)
	}

	entries, err := collectFiles(ctx, srcDir)
	if err != nil {
		return err
	}

	encoder, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(encoder)
	for _, rel := range entries {
		if err := ctx.Err(); err != nil {
			encoder.Close()
			return err
		}
		if err := writeEntry(tw, srcDir, rel); err != nil {
			encoder.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		encoder.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// PackFile packs srcDir into a new file at dst. A partially written dst is
// removed on failure.
func PackFile(ctx context.Context, srcDir, dst string) error {
	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	if err := Pack(ctx, srcDir, file); err != nil {
		file.Close()
		os.Remove(dst)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func collectFiles(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", root, err)
	}
	// WalkDir already yields lexical order per directory.
	return files, nil
}

func writeEntry(tw *tar.Writer, root, rel string) error {
	fullPath := filepath.Join(root, filepath.FromSlash(rel))
	file, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", rel, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", rel, err)
	}

	header := &tar.Header{
		Name:     rel,
		Mode:     entryMode,
		Size:     info.Size(),
		ModTime:  epoch,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if len(rel) > 100 {
		// USTAR cannot hold long names; PAX is still deterministic with a zero time.
		header.Format = tar.FormatPAX
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", rel, err)
	}
	n, err := io.Copy(tw, file)
	if err != nil {
		return fmt.Errorf("copy %q: %w", rel, err)
	}
	if n != info.Size() {
		return fmt.Errorf("copy %q: file changed while packing", rel)
	}
	return nil
}

// Unpack extracts the archive read from r into destDir, creating it when
// needed. On error destDir may hold partial output and must be discarded.
func Unpack(ctx context.Context, r io.Reader, destDir string) error {
	if err := os.MkdirAll(destDir, dirMode); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}

	decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read entry: %v", ErrCorrupt, err)
		}

		target, err := resolveEntry(root, header.Name)
		if err != nil {
			return err
		}

		switch {
		case header.Typeflag == tar.TypeDir || strings.HasSuffix(header.Name, "/"):
			if err := os.MkdirAll(target, dirMode); err != nil {
				return fmt.Errorf("mkdir %q: %w", header.Name, err)
			}
		case header.Typeflag == tar.TypeReg:
			if err := extractFile(tr, header, target); err != nil {
				return err
			}
		}
	}
}

// UnpackFile extracts the archive at src into destDir. destDir is removed
// when extraction fails.
func UnpackFile(ctx context.Context, src, destDir string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	if err := Unpack(ctx, file, destDir); err != nil {
		os.RemoveAll(destDir)
		return err
	}
	return nil
}

func resolveEntry(root, name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return target, nil
}

func extractFile(tr *tar.Reader, header *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(header.Name), err)
	}

	mode := os.FileMode(header.Mode).Perm() & entryMode
	if mode == 0 {
		mode = 0o644
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %q: %w", header.Name, err)
	}

	written, copyErr := io.Copy(file, tr)
	closeErr := file.Close()
	if copyErr != nil {
		return fmt.Errorf("%w: write %q: %v", ErrCorrupt, header.Name, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %q: %w", header.Name, closeErr)
	}
	if written != header.Size {
		return fmt.Errorf("%w: size mismatch for %q: expected %d, got %d", ErrCorrupt, header.Name, header.Size, written)
	}
	return nil
}
