// Package render produces the files of a freshly scaffolded task bundle from
// embedded templates.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"strconv"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template names.
const (
	Manifest      = "config.toml.tmpl"
	UnixScript    = "run.sh.tmpl"
	WindowsScript = "run.bat.tmpl"
)

// Bundle is the data every bundle template receives.
type Bundle struct {
	ID          string
	Name        string
	Description string
}

// Engine renders the embedded bundle templates.
type Engine struct {
	templates *template.Template
}

// New parses all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{
		"quote": strconv.Quote,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with data.
func (e *Engine) Render(name string, data Bundle) ([]byte, error) {
	if e == nil || e.templates == nil {
		return nil, fmt.Errorf("nil engine")
	}

	var buf bytes.Buffer
	if err := e.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
