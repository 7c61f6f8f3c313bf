package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplates(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func TestRender_AllParts(t *testing.T) {
	dir := writeTemplates(t, map[string]string{
		"welcome.subject.tmpl": "Welcome {{.name}}\n",
		"welcome.html.tmpl":    "<p>Hi {{.name}}</p>",
		"welcome.txt.tmpl":     "Hi {{.name}}",
	})

	out, err := New(dir).Render("welcome", map[string]any{"name": "<Ada>"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome <Ada>", out.Subject)
	assert.Equal(t, "<p>Hi &lt;Ada&gt;</p>", out.HTML)
	assert.Equal(t, "Hi <Ada>", out.Text)
}

func TestRender_TextOnly(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"otp.txt.tmpl": "Your code is {{.code}}"})

	out, err := New(dir).Render("otp", map[string]any{"code": "1234"})
	require.NoError(t, err)
	assert.Empty(t, out.Subject)
	assert.Empty(t, out.HTML)
	assert.Equal(t, "Your code is 1234", out.Text)
}

func TestRender_MissingVariables(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"otp.txt.tmpl": "Your code is {{.code}}"})

	_, err := New(dir).Render("otp", nil)
	require.ErrorIs(t, err, ErrMissingVariables)
	assert.Contains(t, err.Error(), `"code"`)
}

func TestRender_TemplateNotFound(t *testing.T) {
	r := New(t.TempDir())

	_, err := r.Render("nope", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = r.Render("../etc/passwd", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestRender_CachesCompiledTemplates(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"otp.txt.tmpl": "A {{.code}}"})
	r := New(dir)

	_, err := r.Render("otp", map[string]any{"code": "1"})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "otp.txt.tmpl")))

	out, err := r.Render("otp", map[string]any{"code": "2"})
	require.NoError(t, err)
	assert.Equal(t, "A 2", out.Text)
}
