// Package prompt loads the prompt catalog used by stage handlers and the
// refinement engine.
package prompt

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultCatalog []byte

type Mode string

const (
	ModeExtraction Mode = "extraction"
	ModePageFinder Mode = "page_finder"
)

type Kind string

const (
	ExampleGeneration      Kind = "example_generation"
	PageFinder             Kind = "page_finder"
	Extraction             Kind = "extraction"
	Transformation         Kind = "transformation"
	TransformationMarkdown Kind = "transformation_markdown"
	FileSelection          Kind = "file_selection"
)

// Agent holds the node prompts of one refinement mode.
type Agent struct {
	System        string `yaml:"system"`
	Analysis      string `yaml:"analysis"`
	AnalysisCheck string `yaml:"analysis_check"`
	Fix           string `yaml:"fix"`
	FixCheck      string `yaml:"fix_check"`
	Confidence    string `yaml:"confidence"`
	Synthesis     string `yaml:"synthesis"`
}

type Catalog struct {
	Agents    map[Mode]Agent    `yaml:"agents"`
	Templates map[string]string `yaml:"templates"`

	parsed map[string]*template.Template
}

// Load parses the embedded catalog and overlays path when it is set.
func Load(path string) (*Catalog, error) {
	c, err := Parse(defaultCatalog)
	if err != nil {
		return nil, fmt.Errorf("prompt: embedded catalog: %w", err)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: read %s: %w", path, err)
	}
	override, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("prompt: %s: %w", path, err)
	}
	c.overlay(override)
	if err := c.compile(); err != nil {
		return nil, fmt.Errorf("prompt: %s: %w", path, err)
	}
	return c, nil
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if c.Agents == nil {
		c.Agents = map[Mode]Agent{}
	}
	if c.Templates == nil {
		c.Templates = map[string]string{}
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

// overlay replaces non-empty fields of o into c.
func (c *Catalog) overlay(o *Catalog) {
	for mode, a := range o.Agents {
		cur := c.Agents[mode]
		mergeField(&cur.System, a.System)
		mergeField(&cur.Analysis, a.Analysis)
		mergeField(&cur.AnalysisCheck, a.AnalysisCheck)
		mergeField(&cur.Fix, a.Fix)
		mergeField(&cur.FixCheck, a.FixCheck)
		mergeField(&cur.Confidence, a.Confidence)
		mergeField(&cur.Synthesis, a.Synthesis)
		c.Agents[mode] = cur
	}
	for name, body := range o.Templates {
		if strings.TrimSpace(body) != "" {
			c.Templates[name] = body
		}
	}
}

func mergeField(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func (c *Catalog) compile() error {
	c.parsed = make(map[string]*template.Template, len(c.Templates))
	for name, body := range c.Templates {
		t, err := template.New(name).Option("missingkey=zero").Parse(body)
		if err != nil {
			return fmt.Errorf("template %s: %w", name, err)
		}
		c.parsed[name] = t
	}
	return nil
}

func (c *Catalog) Agent(mode Mode) (Agent, error) {
	a, ok := c.Agents[mode]
	if !ok {
		return Agent{}, fmt.Errorf("prompt: no agent prompts for mode %q", mode)
	}
	return a, nil
}

// Render executes the template for kind. ids may name a catalog variant for
// the kind (prompt_ids on the request); unknown variants fall back to the
// default template.
func (c *Catalog) Render(kind Kind, ids map[string]string, data map[string]string) (string, error) {
	name := string(kind)
	if id := strings.TrimSpace(ids[name]); id != "" {
		if _, ok := c.parsed[id]; ok {
			name = id
		}
	}
	t, ok := c.parsed[name]
	if !ok {
		return "", fmt.Errorf("prompt: no template %q", name)
	}
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}
