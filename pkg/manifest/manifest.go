// Package manifest reads and validates task bundles: a config.toml manifest
// plus a platform entry script.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"deploycli/pkg/render"
)

const (
	// FileName is the manifest file inside every bundle.
	FileName = "config.toml"

	UnixScript    = "run.sh"
	WindowsScript = "run.bat"
)

var (
	ErrMissingManifest    = errors.New("config.toml not found in the task directory")
	ErrMissingEntryScript = errors.New("run.sh or run.bat not found in the task directory")
	ErrInvalidManifest    = errors.New("invalid task manifest")
)

// Task identifies one published version of a task. (ID, Name) is the key;
// a new upload under the same key replaces the whole bundle.
type Task struct {
	ID          string `json:"id" toml:"id"`
	Name        string `json:"name" toml:"name"`
	Description string `json:"description" toml:"description"`
}

// Key returns the "name-id" form used for directories, archives and uploads.
func (t Task) Key() string {
	return t.Name + "-" + t.ID
}

func (t Task) String() string {
	return t.Key()
}

type fileManifest struct {
	ID          string `toml:"id"`
	UUID        string `toml:"uuid"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

// Parse decodes manifest bytes. The legacy "uuid" key is accepted for the id.
func Parse(data []byte) (Task, error) {
	var raw fileManifest
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	task := Task{
		ID:          strings.TrimSpace(raw.ID),
		Name:        strings.TrimSpace(raw.Name),
		Description: strings.TrimSpace(raw.Description),
	}
	if task.ID == "" {
		task.ID = strings.TrimSpace(raw.UUID)
	}
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Validate checks that the identity is usable as a path component. The id
// must be a canonical UUID, which makes it the last 36 bytes of Key and keeps
// "name-id" unambiguous.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidManifest)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	if !isCanonicalUUID(t.ID) {
		return fmt.Errorf("%w: id %q is not a canonical UUID", ErrInvalidManifest, t.ID)
	}
	for field, value := range map[string]string{"id": t.ID, "name": t.Name} {
		if strings.ContainsAny(value, `/\`) || strings.ContainsRune(value, 0) || value == "." || value == ".." {
			return fmt.Errorf("%w: %s %q is not a valid path component", ErrInvalidManifest, field, value)
		}
	}
	return nil
}

func isCanonicalUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Load reads the manifest of the bundle in dir.
func Load(dir string) (Task, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return Task{}, ErrMissingManifest
	}
	if err != nil {
		return Task{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// LoadBundle loads the manifest and requires at least one entry script.
func LoadBundle(dir string) (Task, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Task{}, fmt.Errorf("stat task directory: %w", err)
	}
	if !info.IsDir() {
		return Task{}, fmt.Errorf("%q is not a directory", dir)
	}

	task, err := Load(dir)
	if err != nil {
		return Task{}, err
	}
	if !hasFile(filepath.Join(dir, UnixScript)) && !hasFile(filepath.Join(dir, WindowsScript)) {
		return Task{}, ErrMissingEntryScript
	}
	return task, nil
}

// EntryScript returns the script this platform runs.
func EntryScript() string {
	return entryScriptFor(runtime.GOOS)
}

func entryScriptFor(goos string) string {
	if goos == "windows" {
		return WindowsScript
	}
	return UnixScript
}

// EntryScriptPath returns the platform entry script in dir, or
// ErrMissingEntryScript when it is absent.
func EntryScriptPath(dir string) (string, error) {
	path := filepath.Join(dir, EntryScript())
	if !hasFile(path) {
		return "", fmt.Errorf("%w: %s", ErrMissingEntryScript, path)
	}
	return path, nil
}

func hasFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ExampleDescription is written into scaffolded manifests.
const ExampleDescription = "This is an example task"

// Scaffold creates a new bundle directory at parent/name with a fresh id and
// the entry script for this platform.
func Scaffold(parent, name string) (Task, error) {
	return scaffold(parent, name, runtime.GOOS)
}

func scaffold(parent, name, goos string) (Task, error) {
	task := Task{ID: uuid.NewString(), Name: strings.TrimSpace(name)}
	if err := task.Validate(); err != nil {
		return Task{}, err
	}

	dir := filepath.Join(parent, task.Name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Task{}, fmt.Errorf("create task directory: %w", err)
	}

	engine, err := render.New()
	if err != nil {
		return Task{}, err
	}
	data := render.Bundle{ID: task.ID, Name: task.Name, Description: ExampleDescription}

	script, tmpl := UnixScript, render.UnixScript
	if goos == "windows" {
		script, tmpl = WindowsScript, render.WindowsScript
	}
	files := []struct {
		name string
		tmpl string
		mode os.FileMode
	}{
		{FileName, render.Manifest, 0o644},
		{script, tmpl, 0o755},
	}
	for _, f := range files {
		body, err := engine.Render(f.tmpl, data)
		if err != nil {
			return Task{}, err
		}
		if f.name == WindowsScript {
			body = bytes.ReplaceAll(body, []byte("\n"), []byte("\r\n"))
		}
		if err := os.WriteFile(filepath.Join(dir, f.name), body, f.mode); err != nil {
			return Task{}, fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	task.Description = ExampleDescription
	return task, nil
}
