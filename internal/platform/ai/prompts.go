package ai

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptsYAML []byte

type promptSpec struct {
	System   string `yaml:"system"`
	Template string `yaml:"template"`
}

type promptFile struct {
	Summary    promptSpec `yaml:"summary"`
	Categorize promptSpec `yaml:"categorize"`
}

type prompt struct {
	system string
	tmpl   *template.Template
}

func (p prompt) render(data any) (string, error) {
	var b strings.Builder
	if err := p.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", p.tmpl.Name(), err)
	}
	return b.String(), nil
}

type prompts struct {
	summary    prompt
	categorize prompt
}

var funcs = template.FuncMap{"join": strings.Join}

func loadPrompts(raw []byte) (*prompts, error) {
	var pf promptFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}

	build := func(name string, spec promptSpec) (prompt, error) {
		if strings.TrimSpace(spec.Template) == "" {
			return prompt{}, fmt.Errorf("prompt %q has no template", name)
		}
		t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(spec.Template)
		if err != nil {
			return prompt{}, fmt.Errorf("parse prompt %q: %w", name, err)
		}
		return prompt{system: strings.TrimSpace(spec.System), tmpl: t}, nil
	}

	summary, err := build("summary", pf.Summary)
	if err != nil {
		return nil, err
	}
	categorize, err := build("categorize", pf.Categorize)
	if err != nil {
		return nil, err
	}
	return &prompts{summary: summary, categorize: categorize}, nil
}
