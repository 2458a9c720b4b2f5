package prompt_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-service/internal/prompt"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := prompt.Load("")
	require.NoError(t, err)

	for _, mode := range []prompt.Mode{prompt.ModeExtraction, prompt.ModePageFinder} {
		a, err := c.Agent(mode)
		require.NoError(t, err)
		assert.NotEmpty(t, a.System, mode)
		assert.NotEmpty(t, a.Confidence, mode)
		assert.NotEmpty(t, a.Synthesis, mode)
	}

	kinds := []prompt.Kind{
		prompt.ExampleGeneration, prompt.PageFinder, prompt.Extraction,
		prompt.Transformation, prompt.TransformationMarkdown, prompt.FileSelection,
	}
	for _, k := range kinds {
		_, err := c.Render(k, nil, map[string]string{})
		assert.NoError(t, err, k)
	}
}

func TestRender_SubstitutesData(t *testing.T) {
	c, err := prompt.Load("")
	require.NoError(t, err)

	out, err := c.Render(prompt.FileSelection, nil, map[string]string{
		"Filename": "report.pdf",
		"Files":    "a.pdf\nreport-2024.pdf",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Requested: report.pdf")
	assert.Contains(t, out, "report-2024.pdf")
}

func TestLoad_OverrideFileAndVariants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  extraction:
    confidence: "score it"
templates:
  extraction/short: "short {{.Keywords}}"
`), 0o600))

	c, err := prompt.Load(path)
	require.NoError(t, err)

	a, err := c.Agent(prompt.ModeExtraction)
	require.NoError(t, err)
	assert.Equal(t, "score it", a.Confidence)
	assert.NotEmpty(t, a.System, "untouched fields keep their defaults")

	out, err := c.Render(prompt.Extraction, map[string]string{"extraction": "extraction/short"}, map[string]string{"Keywords": "k: v"})
	require.NoError(t, err)
	assert.Equal(t, "short k: v", out)

	out, err = c.Render(prompt.Extraction, map[string]string{"extraction": "nope"}, map[string]string{"Keywords": "k: v"})
	require.NoError(t, err)
	assert.Contains(t, out, "Extract the following metrics")
}

func TestLoad_BadTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("templates:\n  extraction: \"{{.Broken\"\n"), 0o600))

	_, err := prompt.Load(path)
	require.Error(t, err)
}
