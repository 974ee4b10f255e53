package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helloID = "0b6f1c52-3d3e-4f5a-9a1e-6c2d7b8e9f01"
	otherID = "5e0c9a2d-8f7b-4c1e-b3a6-2d4f6e8a0c13"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Task
		wantErr bool
	}{
		{
			name:  "id key",
			input: "id = \"" + helloID + "\"\nname = \"hello\"\ndescription = \"says hello\"\n",
			want:  Task{ID: helloID, Name: "hello", Description: "says hello"},
		},
		{
			name:  "legacy uuid key",
			input: "uuid = \"" + otherID + "\"\nname = \"hello\"\n",
			want:  Task{ID: otherID, Name: "hello"},
		},
		{
			name:    "missing name",
			input:   "id = \"" + helloID + "\"\n",
			wantErr: true,
		},
		{
			name:    "traversal in name",
			input:   "id = \"" + helloID + "\"\nname = \"../x\"\n",
			wantErr: true,
		},
		{
			name:    "id not a uuid",
			input:   "id = \"1\"\nname = \"hello\"\n",
			wantErr: true,
		},
		{
			name:    "id without hyphens",
			input:   "id = \"0b6f1c523d3e4f5a9a1e6c2d7b8e9f01\"\nname = \"hello\"\n",
			wantErr: true,
		},
		{
			name:    "not toml",
			input:   "id = ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.input))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidManifest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskKey(t *testing.T) {
	assert.Equal(t, "hello-"+helloID, Task{ID: helloID, Name: "hello"}.Key())
}

func TestKeysDoNotCollide(t *testing.T) {
	// Without a fixed-width id, ("a-b", "c") and ("a", "b-c") share the key "a-b-c".
	assert.ErrorIs(t, Task{ID: "c", Name: "a-b"}.Validate(), ErrInvalidManifest)
	assert.ErrorIs(t, Task{ID: "b-c", Name: "a"}.Validate(), ErrInvalidManifest)

	// A name that itself ends in a UUID still yields distinct keys.
	first := Task{ID: otherID, Name: "a-" + helloID}
	second := Task{ID: helloID, Name: "a"}
	require.NoError(t, first.Validate())
	require.NoError(t, second.Validate())
	assert.NotEqual(t, first.Key(), second.Key())
	assert.Equal(t, otherID, first.Key()[len(first.Key())-36:])
}

func TestLoadBundle(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("id = \""+helloID+"\"\nname = \"hello\"\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, WindowsScript), []byte("echo"), 0o644))

		task, err := LoadBundle(dir)
		require.NoError(t, err)
		assert.Equal(t, "hello-"+helloID, task.Key())
	})

	t.Run("missing manifest", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, UnixScript), []byte("echo"), 0o755))

		_, err := LoadBundle(dir)
		assert.ErrorIs(t, err, ErrMissingManifest)
	})

	t.Run("missing entry script", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("id = \""+helloID+"\"\nname = \"hello\"\n"), 0o644))

		_, err := LoadBundle(dir)
		assert.ErrorIs(t, err, ErrMissingEntryScript)
	})
}

func TestScaffold(t *testing.T) {
	tests := []struct {
		goos   string
		script string
	}{
		{goos: "linux", script: UnixScript},
		{goos: "windows", script: WindowsScript},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			parent := t.TempDir()
			task, err := scaffold(parent, "demo", tt.goos)
			require.NoError(t, err)
			assert.NotEmpty(t, task.ID)

			dir := filepath.Join(parent, "demo")
			loaded, err := LoadBundle(dir)
			require.NoError(t, err)
			assert.Equal(t, task, loaded)
			assert.FileExists(t, filepath.Join(dir, tt.script))

			_, err = scaffold(parent, "demo", tt.goos)
			assert.Error(t, err, "scaffolding over an existing directory must fail")
		})
	}
}

func TestEntryScriptFor(t *testing.T) {
	assert.Equal(t, UnixScript, entryScriptFor("linux"))
	assert.Equal(t, UnixScript, entryScriptFor("darwin"))
	assert.Equal(t, WindowsScript, entryScriptFor("windows"))
}
