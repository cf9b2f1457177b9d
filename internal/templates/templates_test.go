package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsHaveRequiredSlots(t *testing.T) {
	set := Default()
	assert.Contains(t, set.Rewrite, "{{history}}")
	assert.Contains(t, set.Rewrite, "{{question}}")
	assert.Contains(t, set.Synthesis, "{{context}}")
	assert.Contains(t, set.Synthesis, "{{history}}")
	assert.Contains(t, set.Synthesis, "{{question}}")
}

func TestLoadPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rewrite: |\n  Custom rewrite {{question}}\n"), 0o644))

	set, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, set.Rewrite, "Custom rewrite")
	assert.Equal(t, Default().Synthesis, set.Synthesis, "unset field keeps default")
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), set)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rewrite: [unterminated"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	out := Render("Q: {{question}} H: {{history}} X: {{unknown}}", map[string]string{
		"question": "why?",
		"history":  "user: hi",
	})
	assert.Equal(t, "Q: why? H: user: hi X: {{unknown}}", out)
}
