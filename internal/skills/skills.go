// Package skills loads prompt templates from disk. A skill is a markdown
// file with YAML frontmatter (name, description, allowed_tools, model) and a
// body; the body's $ARGUMENTS placeholder is substituted at render time.
package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// maxSkillSize caps a skill file at 1 MiB.
const maxSkillSize = 1 << 20

const argumentsPlaceholder = "$ARGUMENTS"

var ErrSkillNotFound = errors.New("skill not found")

// Skill is one parsed template.
type Skill struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	AllowedTools []string `yaml:"allowed_tools"`
	Model        string   `yaml:"model"`

	Body   string `yaml:"-"`
	Source string `yaml:"-"` // "project" or "user"
	Path   string `yaml:"-"`
}

// Render substitutes $ARGUMENTS in the body. A body without the placeholder
// gets the arguments appended after it.
func (s *Skill) Render(arguments string) string {
	if strings.Contains(s.Body, argumentsPlaceholder) {
		return strings.ReplaceAll(s.Body, argumentsPlaceholder, arguments)
	}
	if strings.TrimSpace(arguments) == "" {
		return s.Body
	}
	return s.Body + "\n\n" + arguments
}

// Registry holds skills discovered from a project dir and a user dir. The
// project dir shadows the user dir on name collision. Immutable between
// explicit Reload calls.
type Registry struct {
	projectDir string
	userDir    string
	logger     *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

func NewRegistry(projectDir, userDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		projectDir: projectDir,
		userDir:    userDir,
		logger:     logger,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func canonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Reload rescans both directories, replacing the in-memory set.
func (r *Registry) Reload() error {
	type scanSpec struct {
		dir    string
		source string
	}
	specs := []scanSpec{
		{dir: r.projectDir, source: "project"},
		{dir: r.userDir, source: "user"},
	}

	loaded := make(map[string]*Skill)
	var errs []error
	for _, spec := range specs {
		if strings.TrimSpace(spec.dir) == "" {
			continue
		}
		entries, err := os.ReadDir(spec.dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("read skills dir (%s): %w", spec.dir, err))
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".md") {
				continue
			}
			path := filepath.Join(spec.dir, ent.Name())
			skill, err := loadFile(path)
			if err != nil {
				errs = append(errs, fmt.Errorf("load skill (%s): %w", path, err))
				continue
			}
			skill.Source = spec.source
			key := canonicalKey(skill.Name)
			if winner, ok := loaded[key]; ok {
				r.logger.Info("skill collision: keeping higher-priority source",
					"skill", skill.Name,
					"winner_source", winner.Source,
					"skipped_source", spec.source,
				)
				continue
			}
			loaded[key] = skill
		}
	}

	r.mu.Lock()
	r.skills = loaded
	r.mu.Unlock()
	return errors.Join(errs...)
}

func loadFile(path string) (*Skill, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxSkillSize {
		return nil, fmt.Errorf("skill file too large: %d bytes (max %d)", fi.Size(), maxSkillSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	frontmatter, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, err
	}
	var skill Skill
	if frontmatter != "" {
		if err := yaml.Unmarshal([]byte(frontmatter), &skill); err != nil {
			return nil, fmt.Errorf("parse frontmatter yaml: %w", err)
		}
	}
	skill.Name = strings.TrimSpace(skill.Name)
	if skill.Name == "" {
		// File name minus extension stands in for a missing name field.
		skill.Name = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	skill.Description = strings.TrimSpace(skill.Description)
	skill.Body = strings.TrimSpace(body)
	skill.Path = path
	if skill.Body == "" {
		return nil, fmt.Errorf("skill %q has an empty body", skill.Name)
	}
	return &skill, nil
}

// splitFrontmatter detects a canonical block: first line `---`, terminated
// by the next `---` line. No block means the whole file is body.
func splitFrontmatter(s string) (frontmatter, body string, err error) {
	lines := strings.Split(s, "\n")
	if len(lines) == 0 || strings.TrimSpace(strings.TrimSuffix(lines[0], "\r")) != "---" {
		return "", s, nil
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(strings.TrimSuffix(lines[i], "\r")) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("unterminated frontmatter block")
}

// Get returns a skill by name, case-insensitively.
func (r *Registry) Get(name string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[canonicalKey(name)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrSkillNotFound)
	}
	cp := *skill
	return &cp, nil
}

// Exists reports whether a skill with the given name is loaded.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[canonicalKey(name)]
	return ok
}

// GetAll returns every loaded skill, sorted by name.
func (r *Registry) GetAll() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, skill := range r.skills {
		cp := *skill
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Render looks up a skill and substitutes arguments into its body.
func (r *Registry) Render(name, arguments string) (string, error) {
	skill, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return skill.Render(arguments), nil
}
