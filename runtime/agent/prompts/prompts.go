// Package prompts renders the system prompt of each stage from embedded
// text templates. The prompts.yaml manifest maps stages to template files and
// carries the stage descriptions shown to the planner and the supervisor.
package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crewflow/crewflow/runtime/agent/stage"
)

type (
	// Library holds the compiled templates of every stage.
	Library struct {
		templates    map[stage.Stage]*template.Template
		descriptions map[stage.Stage]string
		product      string
	}

	// Vars are the values available to templates.
	Vars struct {
		// CurrentTime is the rendering time, formatted for humans.
		CurrentTime string
		// Product is the assistant's name.
		Product string
		// TeamMembers lists the team members, reporter included.
		TeamMembers []string
		// Team describes each team member.
		Team []Member
		// DeepThinking and SearchBeforePlan mirror the run parameters.
		DeepThinking     bool
		SearchBeforePlan bool
	}

	// Member describes a stage to the planner and the supervisor.
	Member struct {
		Name        string
		Description string
	}

	manifest struct {
		Stages map[string]manifestEntry `yaml:"stages"`
	}

	manifestEntry struct {
		Template    string `yaml:"template"`
		Description string `yaml:"description"`
	}
)

// DefaultProduct is the assistant name used when none is configured.
const DefaultProduct = "crewflow"

//go:embed prompts.yaml templates/*.md
var embedded embed.FS

var loadDefault = sync.OnceValues(func() (*Library, error) {
	return Load(embedded)
})

// Default returns the library built from the embedded templates.
func Default() (*Library, error) {
	return loadDefault()
}

// Load builds a library from fsys, which must contain prompts.yaml and the
// templates it references under templates/.
func Load(fsys fs.FS) (*Library, error) {
	raw, err := fs.ReadFile(fsys, "prompts.yaml")
	if err != nil {
		return nil, fmt.Errorf("read prompt manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode prompt manifest: %w", err)
	}
	lib := &Library{
		templates:    make(map[stage.Stage]*template.Template, len(m.Stages)),
		descriptions: make(map[stage.Stage]string, len(m.Stages)),
		product:      DefaultProduct,
	}
	funcs := template.FuncMap{"join": strings.Join}
	for name, entry := range m.Stages {
		st, err := stage.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("prompt manifest: %w", err)
		}
		src, err := fs.ReadFile(fsys, path.Join("templates", entry.Template))
		if err != nil {
			return nil, fmt.Errorf("read %s prompt: %w", st, err)
		}
		tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s prompt: %w", st, err)
		}
		lib.templates[st] = tmpl
		lib.descriptions[st] = strings.TrimSpace(entry.Description)
	}
	return lib, nil
}

// WithProduct returns a copy of l that introduces the assistant as product.
func (l *Library) WithProduct(product string) *Library {
	cp := *l
	if product != "" {
		cp.product = product
	}
	return &cp
}

// Description returns the manifest description of s.
func (l *Library) Description(s stage.Stage) string {
	return l.descriptions[s]
}

// Team returns the members descriptions in the given order.
func (l *Library) Team(members []stage.Stage) []Member {
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, Member{Name: m.String(), Description: l.descriptions[m]})
	}
	return out
}

// Render renders the system prompt of s. Zero-valued CurrentTime, Product and
// Team are filled in.
func (l *Library) Render(s stage.Stage, vars Vars) (string, error) {
	tmpl, ok := l.templates[s]
	if !ok {
		return "", fmt.Errorf("no prompt template for stage %q", s)
	}
	if vars.CurrentTime == "" {
		vars.CurrentTime = time.Now().Format(time.RFC1123)
	}
	if vars.Product == "" {
		vars.Product = l.product
	}
	if vars.Team == nil {
		members := make([]stage.Stage, 0, len(vars.TeamMembers))
		for _, name := range vars.TeamMembers {
			members = append(members, stage.Stage(name))
		}
		vars.Team = l.Team(members)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", s, err)
	}
	return b.String(), nil
}
