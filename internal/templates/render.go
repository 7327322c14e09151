package templates

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Kocoro-lab/deep-research/internal/evidence"
	"github.com/Kocoro-lab/deep-research/internal/util"
)

var funcMap = template.FuncMap{
	"inc":     func(i int) int { return i + 1 },
	"preview": func(s string) string { return util.Ellipsize(s, evidence.PreviewLength) },
	"or_default": func(def, s string) string {
		if strings.TrimSpace(s) == "" {
			return def
		}
		return s
	},
}

type compiled struct {
	system *template.Template
	user   *template.Template
}

// Renderer renders the prompts of a validated PromptSet.
type Renderer struct {
	version string
	steps   map[Step]compiled
}

// NewRenderer validates ps and parses every prompt once.
func NewRenderer(ps *PromptSet) (*Renderer, error) {
	if err := ValidatePromptSet(ps); err != nil {
		return nil, err
	}
	r := &Renderer{version: ps.Version, steps: make(map[Step]compiled, len(Steps))}
	for _, step := range Steps {
		p, _ := ps.Prompt(step)
		sys := template.Must(template.New(string(step) + ".system").Funcs(funcMap).Option("missingkey=error").Parse(p.System))
		usr := template.Must(template.New(string(step) + ".user").Funcs(funcMap).Option("missingkey=error").Parse(p.User))
		r.steps[step] = compiled{system: sys, user: usr}
	}
	return r, nil
}

// DefaultRenderer renders the embedded prompt set.
func DefaultRenderer() (*Renderer, error) {
	ps, err := DefaultPromptSet()
	if err != nil {
		return nil, err
	}
	return NewRenderer(ps)
}

// Version returns the prompt set version label.
func (r *Renderer) Version() string { return r.version }

// Render executes the system and user prompts of step against data.
func (r *Renderer) Render(step Step, data any) (system, user string, err error) {
	c, ok := r.steps[step]
	if !ok {
		return "", "", fmt.Errorf("unknown prompt step %q", step)
	}
	var sb, ub strings.Builder
	if err := c.system.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("render %s system prompt: %w", step, err)
	}
	if err := c.user.Execute(&ub, data); err != nil {
		return "", "", fmt.Errorf("render %s user prompt: %w", step, err)
	}
	return sb.String(), ub.String(), nil
}
