// Package render turns named templates and variables into rendered content.
//
// A template named "welcome" is made of up to three files in the template
// directory: welcome.subject.tmpl, welcome.html.tmpl and welcome.txt.tmpl.
// The HTML part is rendered with html/template, the others with
// text/template. Variables referenced but not supplied fail the render.
package render

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	texttemplate "text/template"

	"PulseRelay/internal/models"
)

var (
	ErrTemplateNotFound = errors.New("render: template not found")
	ErrMissingVariables = errors.New("render: missing template variables")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

var missingKey = regexp.MustCompile(`map has no entry for key "([^"]+)"`)

type compiled struct {
	subject *texttemplate.Template
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// Renderer loads templates from a directory and caches them after first use.
type Renderer struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*compiled
}

func New(dir string) *Renderer {
	return &Renderer{dir: dir, cache: make(map[string]*compiled)}
}

// Render executes the template with vars.
func (r *Renderer) Render(name string, vars map[string]any) (models.RenderedContent, error) {
	t, err := r.load(name)
	if err != nil {
		return models.RenderedContent{}, err
	}
	if vars == nil {
		vars = map[string]any{}
	}

	var out models.RenderedContent
	if t.subject != nil {
		s, err := execute(t.subject.Execute, vars)
		if err != nil {
			return models.RenderedContent{}, wrapExec(name, "subject", err)
		}
		out.Subject = strings.TrimSpace(s)
	}
	if t.html != nil {
		s, err := execute(t.html.Execute, vars)
		if err != nil {
			return models.RenderedContent{}, wrapExec(name, "html", err)
		}
		out.HTML = s
	}
	if t.text != nil {
		s, err := execute(t.text.Execute, vars)
		if err != nil {
			return models.RenderedContent{}, wrapExec(name, "text", err)
		}
		out.Text = s
	}
	return out, nil
}

func (r *Renderer) load(name string) (*compiled, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}

	r.mu.RLock()
	t, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	t = &compiled{}
	found := false

	if src, ok, err := r.read(name + ".subject.tmpl"); err != nil {
		return nil, err
	} else if ok {
		if t.subject, err = texttemplate.New("subject").Option("missingkey=error").Parse(src); err != nil {
			return nil, fmt.Errorf("render: parse %s subject: %w", name, err)
		}
		found = true
	}
	if src, ok, err := r.read(name + ".html.tmpl"); err != nil {
		return nil, err
	} else if ok {
		if t.html, err = htmltemplate.New("html").Option("missingkey=error").Parse(src); err != nil {
			return nil, fmt.Errorf("render: parse %s html: %w", name, err)
		}
		found = true
	}
	if src, ok, err := r.read(name + ".txt.tmpl"); err != nil {
		return nil, err
	} else if ok {
		if t.text, err = texttemplate.New("text").Option("missingkey=error").Parse(src); err != nil {
			return nil, fmt.Errorf("render: parse %s text: %w", name, err)
		}
		found = true
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}

	r.mu.Lock()
	r.cache[name] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Renderer) read(file string) (string, bool, error) {
	b, err := os.ReadFile(filepath.Join(r.dir, file))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("render: read %s: %w", file, err)
	}
	return string(b), true, nil
}

func execute(fn func(io.Writer, any) error, vars map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := fn(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func wrapExec(name, part string, err error) error {
	if m := missingKey.FindStringSubmatch(err.Error()); m != nil {
		return fmt.Errorf("%w: %s %s needs %q", ErrMissingVariables, name, part, m[1])
	}
	return fmt.Errorf("render: execute %s %s: %w", name, part, err)
}
